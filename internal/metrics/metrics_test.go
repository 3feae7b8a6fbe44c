package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncPass("ok")
		IncMerge("daily_tasks", "written")
		AddOperations("daily_tasks", "succeeded", 0)
	})

	AddOperations("user_streaks", "failed", 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(operations.WithLabelValues("user_streaks", "failed")))

	SetStatus("offline", "online", "offline", "syncing")
	assert.Equal(t, float64(1), testutil.ToFloat64(syncStatus.WithLabelValues("offline")))
	assert.Equal(t, float64(0), testutil.ToFloat64(syncStatus.WithLabelValues("online")))

	SetPending(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(pendingOperations))
}
