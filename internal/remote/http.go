package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/domain"
	"dailysync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// HTTPStore talks to a PostgREST-compatible endpoint under {base}/rest/v1.
type HTTPStore struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

func NewHTTPStore(cfg config.RemoteConfig, logger *zerolog.Logger) *HTTPStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &HTTPStore{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return s
}

func (s *HTTPStore) endpoint(collection string, query url.Values) string {
	u := fmt.Sprintf("%s/rest/v1/%s", s.baseURL, url.PathEscape(collection))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func idQuery(id string) url.Values {
	return url.Values{"id": []string{"eq." + id}}
}

func (s *HTTPStore) Insert(ctx context.Context, collection string, record models.Record) error {
	return s.send(ctx, http.MethodPost, s.endpoint(collection, nil), record, "return=minimal", nil)
}

func (s *HTTPStore) Update(ctx context.Context, collection, id string, record models.Record) error {
	return s.send(ctx, http.MethodPatch, s.endpoint(collection, idQuery(id)), record, "return=minimal", nil)
}

func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	return s.send(ctx, http.MethodDelete, s.endpoint(collection, idQuery(id)), nil, "", nil)
}

// Upsert writes records in one request, merging rows that collide on
// conflictKey. Rows with differing key sets are sent with an explicit
// columns list, since PostgREST rejects mismatched objects otherwise.
func (s *HTTPStore) Upsert(ctx context.Context, collection string, records []models.Record, conflictKey []string) error {
	if len(records) == 0 {
		return nil
	}
	query := url.Values{}
	if len(conflictKey) > 0 {
		query.Set("on_conflict", strings.Join(conflictKey, ","))
	}
	if columns, uniform := unionColumns(records); !uniform {
		query.Set("columns", strings.Join(columns, ","))
	}
	return s.send(ctx, http.MethodPost, s.endpoint(collection, query), records, "resolution=merge-duplicates,return=minimal", nil)
}

// unionColumns returns the sorted union of record keys and whether every
// record has exactly that key set.
func unionColumns(records []models.Record) ([]string, bool) {
	seen := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	uniform := true
	for _, r := range records {
		if len(r) != len(seen) {
			uniform = false
			break
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns, uniform
}

func (s *HTTPStore) Select(ctx context.Context, collection string, filter domain.Filter) ([]models.Record, error) {
	query := url.Values{"select": []string{"*"}}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		query.Set(k, "eq."+fmt.Sprint(filter[k]))
	}

	var rows []models.Record
	if err := s.send(ctx, http.MethodGet, s.endpoint(collection, query), nil, "", &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *HTTPStore) send(ctx context.Context, method, endpoint string, body any, prefer string, out any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	s.addHeaders(req)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	s.logger.Debug().
		Str("method", method).
		Str("url", endpoint).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("remote call")

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	return apiErr
}

func (s *HTTPStore) addHeaders(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}
