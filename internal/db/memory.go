package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"FollowUp/internal/apperr"
	"FollowUp/internal/models"
)

// MemoryStore keeps everything in process. One mutex guards both maps, which
// makes ConditionalUpdatePolicy atomic.
type MemoryStore struct {
	mu      sync.Mutex
	apps    map[string]models.Application
	records map[string]models.FollowUpRecord
	order   []string
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		apps:    make(map[string]models.Application),
		records: make(map[string]models.FollowUpRecord),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) InsertApplication(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app.ID]; ok {
		return fmt.Errorf("insert application: duplicate id %s", app.ID)
	}
	s.apps[app.ID] = cloneApplication(*app)
	return nil
}

func (s *MemoryStore) GetApplication(_ context.Context, id string) (*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[id]
	if !ok {
		return nil, apperr.NotFound("application", id)
	}
	c := cloneApplication(a)
	return &c, nil
}

func (s *MemoryStore) FindEligibleApplications(_ context.Context, nowMs int64, limit int) ([]models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Application
	for _, a := range s.apps {
		if a.IsEligible(nowMs) {
			out = append(out, cloneApplication(a))
		}
	}
	sortByDue(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ConditionalUpdatePolicy(_ context.Context, appID string, expectedAttemptCount int, upd models.PolicyUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[appID]
	if !ok {
		return false, apperr.NotFound("application", appID)
	}
	if a.Policy.AttemptCount != expectedAttemptCount {
		return false, nil
	}

	last := upd.LastAttemptAt
	a.Policy.AttemptCount = upd.AttemptCount
	a.Policy.LastAttemptAt = &last
	a.Policy.NextDueAt = upd.NextDueAt
	a.UpdatedAt = upd.UpdatedAt
	s.apps[appID] = a
	return true, nil
}

func (s *MemoryStore) UpdateApplicationStatus(_ context.Context, id string, status models.ApplicationStatus, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[id]
	if !ok {
		return apperr.NotFound("application", id)
	}
	a.Status = status
	a.UpdatedAt = nowMs
	s.apps[id] = a
	return nil
}

func (s *MemoryStore) CreateFollowUpRecord(_ context.Context, rec *models.FollowUpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("create follow-up record: duplicate id %s", rec.ID)
	}
	s.records[rec.ID] = *rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) UpdateFollowUpRecordStatus(_ context.Context, id string, status models.FollowUpStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return apperr.NotFound("follow-up record", id)
	}
	r.Status = status
	s.records[id] = r
	return nil
}

func (s *MemoryStore) ListFollowUpRecords(_ context.Context, appID string) ([]models.FollowUpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.FollowUpRecord
	for _, id := range s.order {
		if r := s.records[id]; r.OriginalApplicationID == appID {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []models.FollowUpRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].AttemptNumber != recs[j].AttemptNumber {
			return recs[i].AttemptNumber < recs[j].AttemptNumber
		}
		return recs[i].CreatedAt < recs[j].CreatedAt
	})
}

func sortByDue(apps []models.Application) {
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].Policy.NextDueAt != apps[j].Policy.NextDueAt {
			return apps[i].Policy.NextDueAt < apps[j].Policy.NextDueAt
		}
		return apps[i].ID < apps[j].ID
	})
}

func cloneApplication(a models.Application) models.Application {
	if a.SentAt != nil {
		v := *a.SentAt
		a.SentAt = &v
	}
	if a.Policy.LastAttemptAt != nil {
		v := *a.Policy.LastAttemptAt
		a.Policy.LastAttemptAt = &v
	}
	return a
}
