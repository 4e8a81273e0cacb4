// Package registry owns the live routing state: one versioned pointer row
// per signature, mutated only through compare-and-swap, with an append-only
// history. A pointer update is the only way runtime behavior changes.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

var (
	// ErrGateFailure means a promotion or canary threshold was not met.
	// The operation is rejected and no state is mutated.
	ErrGateFailure = errors.New("gate failure")

	// ErrConflict means two writers raced on one signature's pointer. The
	// loser must re-read and retry with fresh state.
	ErrConflict = errors.New("concurrency conflict")

	// ErrNoPointer means the signature has never been promoted. Predict
	// falls back to signature defaults in that case.
	ErrNoPointer = errors.New("no registry pointer")

	// ErrNoCanary means no canary is active for the signature.
	ErrNoCanary = errors.New("no active canary")
)

// CanaryState tracks a partial-traffic trial of a candidate artifact.
type CanaryState struct {
	CompiledID    string    `json:"compiled_id"`
	RolloutPct    int       `json:"rollout_pct"`
	MinSamples    int64     `json:"min_samples"`
	MaxErrorRate  float64   `json:"max_error_rate"`
	BaselineScore float64   `json:"baseline_score"`
	Samples       int64     `json:"samples"`
	Errors        int64     `json:"errors"`
	StartedAt     time.Time `json:"started_at"`
}

// ErrorRate returns the observed canary error rate.
func (c *CanaryState) ErrorRate() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(c.Errors) / float64(c.Samples)
}

// Pointer is the live routing state for one signature. Version is the
// optimistic-concurrency token; every successful write increments it.
type Pointer struct {
	SignatureID string       `json:"signature_id"`
	ActiveID    string       `json:"active_id"`
	Canary      *CanaryState `json:"canary,omitempty"`
	Version     int64        `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Pointer) Clone() *Pointer {
	cp := *p
	if p.Canary != nil {
		c := *p.Canary
		cp.Canary = &c
	}
	return &cp
}

// Store persists pointers. CompareAndSwap must be atomic per signature and
// append the written state to that signature's history.
type Store interface {
	// Get returns the current pointer or ErrNoPointer.
	Get(ctx context.Context, signatureID string) (*Pointer, error)

	// CompareAndSwap writes p if the stored version equals expectedVersion
	// (0 for a first write). On success the stored pointer carries
	// expectedVersion+1. A version mismatch returns ErrConflict.
	CompareAndSwap(ctx context.Context, expectedVersion int64, p *Pointer) error

	// History returns pointer snapshots, newest first. Index 0 is the
	// current state.
	History(ctx context.Context, signatureID string, limit int) ([]*Pointer, error)
}

// Bucket deterministically maps a request key to 0..99 for canary routing.
// The same (signature, request key) pair always lands in the same bucket,
// so routing is per-request stable rather than per-process random.
func Bucket(signatureID, requestKey string) int {
	sum := sha256.Sum256([]byte(signatureID + ":" + requestKey))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// Route picks the compiled_id a request should use under p.
func Route(p *Pointer, requestKey string) (compiledID string, viaCanary bool) {
	if p.Canary != nil && Bucket(p.SignatureID, requestKey) < p.Canary.RolloutPct {
		return p.Canary.CompiledID, true
	}
	return p.ActiveID, false
}

// MemStore is an in-memory Store. Pointer rows are locked per signature so
// unrelated signatures never contend.
type MemStore struct {
	mu      sync.Mutex // guards the maps only
	locks   sync.Map   // signature id -> *sync.Mutex, CAS ordering
	rows    map[string]*Pointer
	history map[string][]*Pointer
}

func (s *MemStore) lockFor(signatureID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(signatureID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// NewMemStore returns an empty in-memory pointer store.
func NewMemStore() *MemStore {
	return &MemStore{
		rows:    make(map[string]*Pointer),
		history: make(map[string][]*Pointer),
	}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, signatureID string) (*Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[signatureID]
	if !ok {
		return nil, ErrNoPointer
	}
	return p.Clone(), nil
}

// CompareAndSwap implements Store.
func (s *MemStore) CompareAndSwap(_ context.Context, expectedVersion int64, p *Pointer) error {
	lock := s.lockFor(p.SignatureID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	current, exists := s.rows[p.SignatureID]
	s.mu.Unlock()
	var currentVersion int64
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return ErrConflict
	}

	next := p.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.rows[p.SignatureID] = next
	s.history[p.SignatureID] = append([]*Pointer{next.Clone()}, s.history[p.SignatureID]...)
	s.mu.Unlock()
	return nil
}

// History implements Store.
func (s *MemStore) History(_ context.Context, signatureID string, limit int) ([]*Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[signatureID]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]*Pointer, 0, limit)
	for _, p := range h[:limit] {
		out = append(out, p.Clone())
	}
	return out, nil
}
