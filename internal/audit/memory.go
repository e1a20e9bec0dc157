package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryRecorder keeps records in process memory.
type MemoryRecorder struct {
	ids *idSource
	now func() time.Time

	mu      sync.Mutex
	records map[string][]Record
	index   map[string]string // record id -> project id
}

var _ Recorder = (*MemoryRecorder)(nil)

// NewMemoryRecorder returns an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		ids:     newIDSource(),
		now:     time.Now,
		records: make(map[string][]Record),
		index:   make(map[string]string),
	}
}

func (m *MemoryRecorder) Begin(ctx context.Context, rec Record) (Record, error) {
	rec = normalize(rec)
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.ids.next(rec.StartedAt)
	if err != nil {
		return Record{}, fmt.Errorf("issue record id: %w", err)
	}
	rec.ID = id
	m.records[rec.ProjectID] = append(m.records[rec.ProjectID], rec)
	m.index[id] = rec.ProjectID
	return rec, nil
}

func (m *MemoryRecorder) Finish(ctx context.Context, id string, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.index[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	recs := m.records[project]
	for i := range recs {
		if recs[i].ID != id {
			continue
		}
		if recs[i].Outcome != OutcomePending {
			return fmt.Errorf("record %s already finished", id)
		}
		recs[i].Outcome = res.Outcome
		recs[i].ErrorKind = res.ErrorKind
		recs[i].Reason = res.Reason
		recs[i].Digest = res.Digest
		recs[i].FinishedAt = m.now()
		return nil
	}
	return fmt.Errorf("record %s not found", id)
}

func (m *MemoryRecorder) List(ctx context.Context, projectID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.records[projectID]), nil
}

func (m *MemoryRecorder) Purge(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records[projectID] {
		delete(m.index, r.ID)
	}
	delete(m.records, projectID)
	return nil
}
