package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

const (
	metaStrength   = "strength"
	metaLastSeenAt = "last_seen_at"
	metaCreatedAt  = "created_at"
)

// ChromemStore is an in-process Store backed by a chromem-go collection.
// Nothing survives a restart; it suits tests and single-node deployments
// that do not need durable memory.
//
// chromem normalises embeddings on insert, so FindSimilar returns unit
// vectors rather than the exact input.
type ChromemStore struct {
	mu  sync.Mutex
	col *chromem.Collection
	// ids mirrors the collection's document IDs; chromem has no listing API.
	ids map[string]struct{}
}

// NewChromemStore creates an empty in-process store.
func NewChromemStore() (*ChromemStore, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("memories", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory chromem: create collection: %w", err)
	}
	return &ChromemStore{col: col, ids: make(map[string]struct{})}, nil
}

// Insert implements Store.
func (s *ChromemStore) Insert(ctx context.Context, m Memory) error {
	if m.ID == "" {
		return errors.New("memory chromem: empty id")
	}
	if len(m.Embedding) == 0 {
		return errors.New("memory chromem: empty embedding")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.col.AddDocument(ctx, toDocument(m)); err != nil {
		return fmt.Errorf("memory chromem: add %s: %w", m.ID, err)
	}
	s.ids[m.ID] = struct{}{}
	return nil
}

// Get implements Store.
func (s *ChromemStore) Get(ctx context.Context, id string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, id)
}

func (s *ChromemStore) get(ctx context.Context, id string) (Memory, error) {
	if _, ok := s.ids[id]; !ok {
		return Memory{}, fmt.Errorf("memory chromem: %s: %w", id, ErrNotFound)
	}
	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		return Memory{}, fmt.Errorf("memory chromem: get %s: %w", id, err)
	}
	return fromDocument(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
}

// Update implements Store.
func (s *ChromemStore) Update(ctx context.Context, id string, strength float64, lastSeenAt time.Time) error {
	return s.rewrite(ctx, id, func(m *Memory) {
		m.Strength = strength
		m.LastSeenAt = lastSeenAt
	})
}

// SetStrength implements Store.
func (s *ChromemStore) SetStrength(ctx context.Context, id string, strength float64) error {
	return s.rewrite(ctx, id, func(m *Memory) { m.Strength = strength })
}

// rewrite replaces a document in place; chromem has no update call.
func (s *ChromemStore) rewrite(ctx context.Context, id string, fn func(m *Memory)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	fn(&m)
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("memory chromem: delete %s: %w", id, err)
	}
	if err := s.col.AddDocument(ctx, toDocument(m)); err != nil {
		delete(s.ids, id)
		return fmt.Errorf("memory chromem: re-add %s: %w", id, err)
	}
	return nil
}

// Delete implements Store. Deleting an unknown id is not an error.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; !ok {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("memory chromem: delete %s: %w", id, err)
	}
	delete(s.ids, id)
	return nil
}

// FindSimilar implements Store.
func (s *ChromemStore) FindSimilar(ctx context.Context, embedding []float32, topK int) ([]Memory, error) {
	if topK <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// chromem rejects nResults larger than the collection.
	n := min(topK, s.col.Count())
	if n == 0 {
		return nil, nil
	}
	results, err := s.col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("memory chromem: query: %w", err)
	}
	out := make([]Memory, 0, len(results))
	for _, r := range results {
		m, err := fromDocument(r.ID, r.Content, r.Embedding, r.Metadata)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// SearchText implements Store with a case-insensitive substring match,
// newest first.
func (s *ChromemStore) SearchText(ctx context.Context, query string, limit int) ([]Memory, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" || limit <= 0 {
		return nil, nil
	}
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []Memory
	for _, m := range all {
		if strings.Contains(strings.ToLower(m.Content), query) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All implements Store, newest first.
func (s *ChromemStore) All(ctx context.Context) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Memory, 0, len(s.ids))
	for id := range s.ids {
		m, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func toDocument(m Memory) chromem.Document {
	return chromem.Document{
		ID:        m.ID,
		Content:   m.Content,
		Embedding: m.Embedding,
		Metadata: map[string]string{
			metaStrength:   strconv.FormatFloat(m.Strength, 'g', -1, 64),
			metaLastSeenAt: m.LastSeenAt.UTC().Format(time.RFC3339Nano),
			metaCreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func fromDocument(id, content string, embedding []float32, meta map[string]string) (Memory, error) {
	m := Memory{ID: id, Content: content, Embedding: embedding}
	var err error
	if m.Strength, err = strconv.ParseFloat(meta[metaStrength], 64); err != nil {
		return Memory{}, fmt.Errorf("memory chromem: %s: parse strength: %w", id, err)
	}
	if m.LastSeenAt, err = time.Parse(time.RFC3339Nano, meta[metaLastSeenAt]); err != nil {
		return Memory{}, fmt.Errorf("memory chromem: %s: parse last_seen_at: %w", id, err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, meta[metaCreatedAt]); err != nil {
		return Memory{}, fmt.Errorf("memory chromem: %s: parse created_at: %w", id, err)
	}
	return m, nil
}

var _ Store = (*ChromemStore)(nil)
