package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

type entry struct {
	progress  domain.BatchProgress
	cancel    bool
	expiresAt time.Time
}

// ProgressStore keeps task snapshots in process memory. Only usable when
// the api and the workers share a process (QUEUE_BACKEND=inprocess).
type ProgressStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	tasks map[string]entry
}

func NewProgressStore(ttl time.Duration) *ProgressStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProgressStore{
		ttl:   ttl,
		now:   time.Now,
		tasks: make(map[string]entry),
	}
}

func (s *ProgressStore) Save(_ context.Context, progress domain.BatchProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.tasks[progress.TaskID]
	current.progress = progress.Snapshot()
	current.expiresAt = s.now().Add(s.ttl)
	s.tasks[progress.TaskID] = current
	return nil
}

func (s *ProgressStore) Get(_ context.Context, taskID string) (domain.BatchProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.tasks[taskID]
	if !ok || !s.now().Before(current.expiresAt) {
		return domain.BatchProgress{}, domain.WrapError(domain.ErrNotFound, "get task snapshot", fmt.Errorf("task %s", taskID))
	}
	return current.progress.Snapshot(), nil
}

func (s *ProgressStore) RequestCancel(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[taskID]
	if !ok {
		current.progress = domain.PendingProgress(taskID)
		current.expiresAt = s.now().Add(s.ttl)
	}
	current.cancel = true
	s.tasks[taskID] = current
	return nil
}

func (s *ProgressStore) CancelRequested(_ context.Context, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[taskID].cancel, nil
}

// PurgeExpired drops snapshots past their TTL.
func (s *ProgressStore) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var purged int64
	for id, current := range s.tasks {
		if !now.Before(current.expiresAt) {
			delete(s.tasks, id)
			purged++
		}
	}
	return purged, nil
}
