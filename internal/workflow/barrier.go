package workflow

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
)

// BarrierState is the join point of a group: how many branches are expected,
// how many have arrived, their results in branch order, and the task to
// release once complete. A branch that failed permanently arrives with an
// error marker result so the barrier never blocks forever.
type BarrierState struct {
	ID           string            `json:"id"`
	Expected     int               `json:"expected"`
	Arrived      int               `json:"arrived"`
	Results      []json.RawMessage `json:"results"`
	Continuation Task              `json:"continuation"`
	Released     bool              `json:"released"`
}

// Complete reports whether every branch has arrived.
func (s *BarrierState) Complete() bool { return s.Arrived >= s.Expected }

// ErrBarrierNotFound is returned for unknown barrier ids.
var ErrBarrierNotFound = eris.New("workflow: barrier not found")

// BarrierStore materializes barrier state so a restart does not lose join
// progress. Arrive must be atomic per barrier.
type BarrierStore interface {
	Create(ctx context.Context, state *BarrierState) error
	Arrive(ctx context.Context, id string, index int, result json.RawMessage) (*BarrierState, error)
	MarkReleased(ctx context.Context, id string) error
	Unreleased(ctx context.Context) ([]BarrierState, error)
	Delete(ctx context.Context, id string) error
}

// errorResult wraps a branch failure as a barrier result.
type errorResult struct {
	Error string `json:"error"`
}

func newErrorResult(err error) json.RawMessage {
	b, _ := json.Marshal(errorResult{Error: err.Error()})
	return b
}

// BranchError extracts the error marker from a barrier result, if the
// branch failed. Continuation handlers use this to skip failed branches.
func BranchError(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}
	var er errorResult
	if err := json.Unmarshal(result, &er); err != nil || er.Error == "" {
		return "", false
	}
	return er.Error, true
}

// MemoryBarrierStore keeps barrier state in process memory. Used when the
// job store itself is non-durable.
type MemoryBarrierStore struct {
	mu       sync.Mutex
	barriers map[string]*BarrierState
}

// NewMemoryBarrierStore creates an empty MemoryBarrierStore.
func NewMemoryBarrierStore() *MemoryBarrierStore {
	return &MemoryBarrierStore{barriers: make(map[string]*BarrierState)}
}

func (s *MemoryBarrierStore) Create(_ context.Context, state *BarrierState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.Results == nil {
		state.Results = make([]json.RawMessage, state.Expected)
	}
	cp := *state
	s.barriers[state.ID] = &cp
	return nil
}

func (s *MemoryBarrierStore) Arrive(_ context.Context, id string, index int, result json.RawMessage) (*BarrierState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.barriers[id]
	if !ok {
		return nil, ErrBarrierNotFound
	}
	if index < 0 || index >= state.Expected {
		return nil, eris.Errorf("workflow: barrier %s branch index %d out of range", id, index)
	}
	if state.Results[index] == nil {
		state.Arrived++
	}
	state.Results[index] = result
	cp := *state
	cp.Results = append([]json.RawMessage(nil), state.Results...)
	return &cp, nil
}

func (s *MemoryBarrierStore) MarkReleased(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.barriers[id]
	if !ok {
		return ErrBarrierNotFound
	}
	state.Released = true
	return nil
}

func (s *MemoryBarrierStore) Unreleased(_ context.Context) ([]BarrierState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []BarrierState
	for _, state := range s.barriers {
		if !state.Released {
			out = append(out, *state)
		}
	}
	return out, nil
}

func (s *MemoryBarrierStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.barriers, id)
	return nil
}
