package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dailysync/internal/domain"
	"dailysync/internal/events"
	"dailysync/internal/models"
	"dailysync/internal/worker"

	"github.com/rs/zerolog"
)

const (
	defaultProbeTimeout = 3 * time.Second
	defaultPollInterval = 15 * time.Second

	offlineMessage = "You are offline. Changes will be saved and synced when the connection returns."
)

const (
	hostUnknown int32 = iota
	hostDetached
)

type Options struct {
	Prober          Prober
	Host            HostSignal
	ProbeTimeout    time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	Events          domain.EventPublisher
	Logger          *zerolog.Logger
}

// Monitor tracks online/offline state. The initial state is online.
type Monitor struct {
	prober       Prober
	host         HostSignal
	probeTimeout time.Duration
	backoff      worker.RetryPolicy
	events       domain.EventPublisher
	logger       *zerolog.Logger

	pushed atomic.Int32

	mu        sync.Mutex
	offline   bool
	listeners map[uint64]func(offline bool)
	nextID    uint64
}

func NewMonitor(opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Monitor{
		prober:       opts.Prober,
		host:         opts.Host,
		probeTimeout: opts.ProbeTimeout,
		backoff: worker.RetryPolicy{
			InitialDelay:  opts.PollInterval,
			MaxDelay:      opts.MaxPollInterval,
			BackoffFactor: 2,
		},
		events:    opts.Events,
		logger:    logger,
		listeners: make(map[uint64]func(bool)),
	}
}

// IsOffline returns the last determined state without probing.
func (m *Monitor) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// Detect actively determines connectivity and returns true when offline.
func (m *Monitor) Detect(ctx context.Context) bool {
	offline := m.determine(ctx)
	m.setOffline(offline)
	return offline
}

func (m *Monitor) determine(ctx context.Context) bool {
	if !m.networkAttached() {
		return true
	}
	if m.prober == nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.prober.Probe(probeCtx); err != nil {
		m.logger.Debug().Err(err).Msg("connectivity probe failed")
		return true
	}
	return false
}

func (m *Monitor) networkAttached() bool {
	if m.pushed.Load() == hostDetached {
		return false
	}
	if m.host == nil {
		return true
	}
	return m.host.NetworkAttached()
}

// SetNetworkAttached applies a push event from the host environment. A
// detach goes offline immediately; an attach clears the override and
// re-runs detection.
func (m *Monitor) SetNetworkAttached(ctx context.Context, attached bool) bool {
	if !attached {
		m.pushed.Store(hostDetached)
		m.setOffline(true)
		return true
	}
	m.pushed.Store(hostUnknown)
	return m.Detect(ctx)
}

// Subscribe registers fn for every offline state transition.
func (m *Monitor) Subscribe(fn func(offline bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) setOffline(offline bool) {
	m.mu.Lock()
	if m.offline == offline {
		m.mu.Unlock()
		return
	}
	m.offline = offline
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if offline {
		m.logger.Warn().Msg("connectivity lost")
		m.publish(events.EventNotice, models.Notice{Kind: models.NoticeOffline, Message: offlineMessage})
	} else {
		m.logger.Info().Msg("connectivity restored")
	}
	m.publish(events.EventOfflineChanged, map[string]bool{"offline": offline})

	for _, fn := range listeners {
		fn(offline)
	}
}

func (m *Monitor) publish(eventType string, payload any) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.logger.Error().Err(err).Str("event", eventType).Msg("failed to publish connectivity event")
	}
}

// Start polls until ctx is done. While offline the interval grows up to the
// configured maximum; it resets once connectivity returns.
func (m *Monitor) Start(ctx context.Context) {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if m.Detect(ctx) {
			failures++
		} else {
			failures = 0
		}
		timer.Reset(m.nextPoll(failures))
	}
}

func (m *Monitor) nextPoll(failures int) time.Duration {
	if failures == 0 {
		return m.backoff.InitialDelay
	}
	return m.backoff.NextDelay(failures)
}
