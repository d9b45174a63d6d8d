// Package workflow drives one certificate request from order creation through
// deployment as a checkpointed sequence of steps, and fans the per-domain-set
// workflows out across a batch.
package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostedops/certflow/core/ca"
)

// Step names one completed stage of the issuance workflow. Steps are strictly
// ordered; a checkpoint records the last one that finished.
type Step string

const (
	StepNone               Step = ""
	StepOrderCreated       Step = "order_created"
	StepChallengesPrepared Step = "challenges_prepared"
	StepChallengesVerified Step = "challenges_verified"
	StepChallengesAnswered Step = "challenges_answered"
	StepValidationPolled   Step = "validation_polled"
	StepFinalized          Step = "finalized"
	StepDeployed           Step = "deployed"
	StepCleanedUp          Step = "cleaned_up"
)

var stepRank = map[Step]int{
	StepNone:               0,
	StepOrderCreated:       1,
	StepChallengesPrepared: 2,
	StepChallengesVerified: 3,
	StepChallengesAnswered: 4,
	StepValidationPolled:   5,
	StepFinalized:          6,
	StepDeployed:           7,
	StepCleanedUp:          8,
}

// Reached reports whether s is at or past target in workflow order.
func (s Step) Reached(target Step) bool {
	return stepRank[s] >= stepRank[target]
}

// Target is one domain set to obtain a certificate for.
type Target struct {
	Site          string
	Domains       []string // ordered, de-duplicated
	ChallengeType ca.ChallengeType
}

// ID derives a stable identifier for the domain set, used as the checkpoint
// key. The same domains always map to the same ID regardless of run.
func (t Target) ID() string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(t.Site+"|"+strings.Join(t.Domains, ","))).String()
}

// Checkpoint is the persisted snapshot of one workflow's progress. It carries
// only resumable state: the order URL and restart count. The private key is
// never checkpointed, so progress past validation cannot survive a crash and
// resumes with a fresh order instead.
type Checkpoint struct {
	ID        string    `json:"id"`
	Site      string    `json:"site"`
	Domains   []string  `json:"domains"`
	Step      Step      `json:"step"`
	OrderURL  string    `json:"order_url,omitempty"`
	Restarts  int       `json:"restarts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrCheckpointNotFound reports that no checkpoint exists for the given ID.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists workflow checkpoints. Load returns
// ErrCheckpointNotFound when the ID has no snapshot.
type CheckpointStore interface {
	Load(ctx context.Context, id string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process CheckpointStore for tests and single-shot runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Checkpoint
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	out := cp
	return &out, nil
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[cp.ID] = *cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}
