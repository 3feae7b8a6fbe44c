package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dailysync/internal/domain"
	"dailysync/internal/models"
)

// Call describes one request made against a MemoryStore.
type Call struct {
	Method     string
	Collection string
	ID         string
	Records    []models.Record
	Filter     domain.Filter
}

// MemoryStore is an in-process remote store. Records go through a JSON round
// trip so values look exactly as they would coming back over HTTP.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string][]models.Record
	calls       []Call
	fault       func(Call) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]models.Record)}
}

// SetFault installs a hook consulted before every call; a non-nil error
// fails the call without touching data.
func (s *MemoryStore) SetFault(fn func(Call) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

// Calls returns every call made so far, including failed ones.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *MemoryStore) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Rows returns a snapshot of a collection.
func (s *MemoryStore) Rows(collection string) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	out := make([]models.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Clone())
	}
	return out
}

// Seed writes rows directly, bypassing faults and call recording.
func (s *MemoryStore) Seed(collection string, rows ...models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		n, err := normalize(r)
		if err != nil {
			return err
		}
		s.collections[collection] = append(s.collections[collection], n)
	}
	return nil
}

func (s *MemoryStore) begin(call Call) error {
	s.calls = append(s.calls, call)
	if s.fault != nil {
		return s.fault(call)
	}
	return nil
}

func (s *MemoryStore) Insert(ctx context.Context, collection string, record models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(Call{Method: "insert", Collection: collection, Records: []models.Record{record.Clone()}}); err != nil {
		return err
	}

	row, err := normalize(record)
	if err != nil {
		return err
	}
	if id, ok := row.String("id"); ok && s.indexByID(collection, id) >= 0 {
		return &Error{StatusCode: 409, Code: uniqueViolation, Message: fmt.Sprintf("duplicate key id=%s", id)}
	}
	s.collections[collection] = append(s.collections[collection], row)
	return nil
}

// Update patches the row with the given id. A missing row is not an error.
func (s *MemoryStore) Update(ctx context.Context, collection, id string, record models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(Call{Method: "update", Collection: collection, ID: id, Records: []models.Record{record.Clone()}}); err != nil {
		return err
	}

	patch, err := normalize(record)
	if err != nil {
		return err
	}
	if i := s.indexByID(collection, id); i >= 0 {
		for k, v := range patch {
			s.collections[collection][i][k] = v
		}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(Call{Method: "delete", Collection: collection, ID: id}); err != nil {
		return err
	}

	if i := s.indexByID(collection, id); i >= 0 {
		rows := s.collections[collection]
		s.collections[collection] = append(rows[:i:i], rows[i+1:]...)
	}
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, collection string, records []models.Record, conflictKey []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := make([]models.Record, len(records))
	for i, r := range records {
		cloned[i] = r.Clone()
	}
	if err := s.begin(Call{Method: "upsert", Collection: collection, Records: cloned}); err != nil {
		return err
	}

	for _, r := range records {
		row, err := normalize(r)
		if err != nil {
			return err
		}
		if i := s.indexByKey(collection, row, conflictKey); i >= 0 {
			for k, v := range row {
				s.collections[collection][i][k] = v
			}
			continue
		}
		s.collections[collection] = append(s.collections[collection], row)
	}
	return nil
}

func (s *MemoryStore) Select(ctx context.Context, collection string, filter domain.Filter) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(Call{Method: "select", Collection: collection, Filter: filter}); err != nil {
		return nil, err
	}

	var out []models.Record
	for _, row := range s.collections[collection] {
		if matches(row, filter) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) indexByID(collection, id string) int {
	for i, row := range s.collections[collection] {
		if v, ok := row.String("id"); ok && v == id {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) indexByKey(collection string, row models.Record, key []string) int {
	if len(key) == 0 {
		key = []string{"id"}
	}
	want := make(domain.Filter, len(key))
	for _, k := range key {
		v, ok := row[k]
		if !ok {
			return -1
		}
		want[k] = v
	}
	for i, existing := range s.collections[collection] {
		if matches(existing, want) {
			return i
		}
	}
	return -1
}

func matches(row models.Record, filter domain.Filter) bool {
	for k, want := range filter {
		got, ok := row[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func normalize(r models.Record) (models.Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var out models.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if out == nil {
		out = models.Record{}
	}
	return out, nil
}
