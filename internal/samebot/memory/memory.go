// Package memory is samebot's associative long-term memory: standalone facts
// about the people it talks to, each with a strength that decays
// exponentially unless new conversation reinforces it.
//
// Effective strength is computed at read time and never stored, so no
// background job has to keep rewriting rows as time passes.
package memory

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned by a Store when the requested memory does not exist.
var ErrNotFound = errors.New("memory: not found")

// Memory is one remembered fact.
type Memory struct {
	ID        string
	Content   string
	Embedding []float32
	// Strength is the stored, undecayed strength. It stays above zero while
	// the memory is live.
	Strength   float64
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Store persists memories. Implementations must be safe for concurrent use;
// they never change Strength or LastSeenAt except through Update and
// SetStrength.
type Store interface {
	Insert(ctx context.Context, m Memory) error
	Get(ctx context.Context, id string) (Memory, error)
	// Update sets strength and lastSeenAt (reinforcement).
	Update(ctx context.Context, id string, strength float64, lastSeenAt time.Time) error
	// SetStrength changes strength only (contradiction).
	SetStrength(ctx context.Context, id string, strength float64) error
	Delete(ctx context.Context, id string) error
	// FindSimilar returns up to topK memories nearest to embedding by cosine
	// similarity, most similar first.
	FindSimilar(ctx context.Context, embedding []float32, topK int) ([]Memory, error)
	// SearchText returns up to limit memories whose content matches query.
	SearchText(ctx context.Context, query string, limit int) ([]Memory, error)
	// All returns every stored memory.
	All(ctx context.Context) ([]Memory, error)
}

// Policy holds the tuning constants for decay, reinforcement and purge.
type Policy struct {
	// DecayRate is the exponential decay rate per day.
	DecayRate float64
	// ReinforcementBoost is added to strength when a fact is corroborated.
	ReinforcementBoost float64
	// ContradictionPenalty is the fraction of strength lost on contradiction.
	ContradictionPenalty float64
	// PurgeThreshold is the effective strength below which memories are deleted.
	PurgeThreshold float64
	// MaxStrength caps reinforcement.
	MaxStrength float64
	// SimilarCandidates is how many neighbours are compared against a new fact.
	SimilarCandidates int
}

// DefaultPolicy returns the reference constants.
func DefaultPolicy() Policy {
	return Policy{
		DecayRate:            0.1,
		ReinforcementBoost:   0.3,
		ContradictionPenalty: 0.5,
		PurgeThreshold:       0.05,
		MaxStrength:          5.0,
		SimilarCandidates:    10,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.DecayRate <= 0 {
		p.DecayRate = def.DecayRate
	}
	if p.ReinforcementBoost <= 0 {
		p.ReinforcementBoost = def.ReinforcementBoost
	}
	if p.ContradictionPenalty <= 0 || p.ContradictionPenalty >= 1 {
		p.ContradictionPenalty = def.ContradictionPenalty
	}
	if p.PurgeThreshold <= 0 {
		p.PurgeThreshold = def.PurgeThreshold
	}
	if p.MaxStrength <= 0 {
		p.MaxStrength = def.MaxStrength
	}
	if p.SimilarCandidates <= 0 {
		p.SimilarCandidates = def.SimilarCandidates
	}
	return p
}

// EffectiveStrength is m.Strength decayed by exp(-DecayRate * days) since
// m.LastSeenAt. A LastSeenAt in the future counts as zero elapsed time.
func (p Policy) EffectiveStrength(m Memory, now time.Time) float64 {
	days := now.Sub(m.LastSeenAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return m.Strength * math.Exp(-p.DecayRate*days)
}

// Reinforce returns the strength after corroboration, capped at MaxStrength.
// It never lowers a strength that is already above the cap.
func (p Policy) Reinforce(strength float64) float64 {
	if strength >= p.MaxStrength {
		return strength
	}
	return math.Min(strength+p.ReinforcementBoost, p.MaxStrength)
}

// Contradict returns the strength after a contradiction. It shrinks
// geometrically and stays above zero for any positive input.
func (p Policy) Contradict(strength float64) float64 {
	return strength * (1 - p.ContradictionPenalty)
}

// Purgeable reports whether m has decayed below the purge threshold.
func (p Policy) Purgeable(m Memory, now time.Time) bool {
	return p.EffectiveStrength(m, now) < p.PurgeThreshold
}
