package notification

import (
	"context"
	"sync"
)

// MemoryStore keeps the projection for the lifetime of the process only.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]StatusReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]StatusReport)}
}

func (s *MemoryStore) Set(_ context.Context, report StatusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.MessageID] = report
	return nil
}

func (s *MemoryStore) Get(_ context.Context, messageID string) (StatusReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[messageID]
	if !ok {
		return StatusReport{}, ErrStatusNotFound
	}
	return r, nil
}

// All returns a snapshot; later writes do not show through it.
func (s *MemoryStore) All(_ context.Context) (map[string]Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Outcome, len(s.reports))
	for id, r := range s.reports {
		out[id] = r.Outcome
	}
	return out, nil
}

func (s *MemoryStore) Records(_ context.Context) ([]StatusReport, error) {
	s.mu.RLock()
	reports := make([]StatusReport, 0, len(s.reports))
	for _, r := range s.reports {
		reports = append(reports, r)
	}
	s.mu.RUnlock()

	sortReports(reports)
	return reports, nil
}
