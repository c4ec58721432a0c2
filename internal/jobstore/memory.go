package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/crestmark-data/ratings-sync/internal/model"
)

type memoryEntry struct {
	data      []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryBackend is the in-process fallback backend. Jobs are stored as JSON
// snapshots so Get returns copies, matching the durable backend's isolation.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend(ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (b *MemoryBackend) Put(_ context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "jobstore: marshal job")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[job.ID]
	if !ok {
		e = memoryEntry{expiresAt: job.CreatedAt.Add(b.ttl)}
	}
	e.createdAt = job.CreatedAt
	e.data = data
	b.entries[job.ID] = e
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || b.now().After(e.expiresAt) {
		return nil, ErrJobNotFound
	}
	var job model.Job
	if err := json.Unmarshal(e.data, &job); err != nil {
		return nil, eris.Wrapf(err, "jobstore: unmarshal job %s", id)
	}
	return &job, nil
}

func (b *MemoryBackend) List(_ context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	type pair struct {
		createdAt time.Time
		data      []byte
	}
	var live []pair
	for _, e := range b.entries {
		if b.now().After(e.expiresAt) {
			continue
		}
		live = append(live, pair{e.createdAt, e.data})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].createdAt.After(live[j].createdAt) })
	if len(live) > limit {
		live = live[:limit]
	}

	out := make([]model.Job, 0, len(live))
	for _, p := range live {
		var job model.Job
		if err := json.Unmarshal(p.data, &job); err != nil {
			return nil, eris.Wrap(err, "jobstore: unmarshal job")
		}
		out = append(out, job)
	}
	return out, nil
}

func (b *MemoryBackend) PurgeExpired(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, e := range b.entries {
		if b.now().After(e.expiresAt) {
			delete(b.entries, id)
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) Close() error { return nil }
