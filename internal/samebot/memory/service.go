package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

// Recalled is a retrieved memory together with its decayed strength at
// retrieval time.
type Recalled struct {
	Memory
	Effective float64
}

// ExtractResult summarises one ExtractFromBatch run.
type ExtractResult struct {
	Facts        int
	Inserted     int
	Reinforced   int
	Contradicted int
	Purged       int
}

// Service turns conversation batches into memories and recalls them.
type Service struct {
	store    Store
	gen      llm.TextGenerator
	embedder llm.Embedder
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. Zero fields in policy take their defaults; a
// nil logger uses slog.Default().
func NewService(store Store, gen llm.TextGenerator, embedder llm.Embedder, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		gen:      gen,
		embedder: embedder,
		policy:   policy.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Policy returns the effective policy.
func (s *Service) Policy() Policy { return s.policy }

// ExtractFromBatch extracts facts from a raw chat batch and folds them into
// the store. A failing fact is logged and skipped; the returned error is
// non-nil only when extraction itself failed.
func (s *Service) ExtractFromBatch(ctx context.Context, text string) (ExtractResult, error) {
	var res ExtractResult
	if isTrivialBatch(text) {
		s.logger.Debug("memory: skipping trivial batch")
		return res, nil
	}

	var ex extraction
	err := s.gen.ChatStructured(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractSystemPrompt},
		{Role: llm.RoleUser, Content: text},
	}, factsSchema, &ex)
	if err != nil {
		return res, fmt.Errorf("memory: extract facts: %w", err)
	}

	for _, fact := range ex.Facts {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		res.Facts++
		if err := s.ingestFact(ctx, fact, &res); err != nil {
			s.logger.Warn("memory: skipping fact", "fact", fact, "err", err)
		}
	}

	purged, err := s.Purge(ctx)
	if err != nil {
		s.logger.Warn("memory: purge after extraction failed", "err", err)
	}
	res.Purged = purged

	s.logger.Info("memory: batch processed",
		"facts", res.Facts,
		"inserted", res.Inserted,
		"reinforced", res.Reinforced,
		"contradicted", res.Contradicted,
		"purged", res.Purged,
	)
	return res, nil
}

func (s *Service) ingestFact(ctx context.Context, fact string, res *ExtractResult) error {
	emb, err := s.embedder.Embed(ctx, fact)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	candidates, err := s.store.FindSimilar(ctx, emb, s.policy.SimilarCandidates)
	if err != nil {
		return fmt.Errorf("find similar: %w", err)
	}
	if len(candidates) == 0 {
		return s.insert(ctx, fact, emb, res)
	}

	var rel relation
	err = s.gen.ChatStructured(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: relateSystemPrompt},
		{Role: llm.RoleUser, Content: relationPrompt(fact, candidates)},
	}, relationSchema, &rel)
	if err != nil {
		return fmt.Errorf("relate: %w", err)
	}

	byID := make(map[string]Memory, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	// An id listed as both reinforced and contradicted is ambiguous; leave it alone.
	ambiguous := make(map[string]bool)
	for _, id := range rel.Reinforced {
		if slices.Contains(rel.Contradicted, id) {
			ambiguous[id] = true
		}
	}

	now := s.now()
	for _, id := range dedupe(rel.Reinforced) {
		m, ok := byID[id]
		if !ok || ambiguous[id] {
			continue
		}
		if err := s.store.Update(ctx, id, s.policy.Reinforce(m.Strength), now); err != nil {
			s.logger.Warn("memory: reinforce failed", "id", id, "err", err)
			continue
		}
		res.Reinforced++
	}
	for _, id := range dedupe(rel.Contradicted) {
		m, ok := byID[id]
		if !ok || ambiguous[id] {
			continue
		}
		if err := s.store.SetStrength(ctx, id, s.policy.Contradict(m.Strength)); err != nil {
			s.logger.Warn("memory: contradict failed", "id", id, "err", err)
			continue
		}
		res.Contradicted++
	}

	if rel.IsNew {
		return s.insert(ctx, fact, emb, res)
	}
	return nil
}

func (s *Service) insert(ctx context.Context, fact string, emb []float32, res *ExtractResult) error {
	now := s.now()
	m := Memory{
		ID:         uuid.NewString(),
		Content:    fact,
		Embedding:  emb,
		Strength:   1.0,
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if err := s.store.Insert(ctx, m); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	res.Inserted++
	return nil
}

// GetRelevantMemories returns up to topK memories related to query, ranked
// by effective strength. Failures yield an empty result.
func (s *Service) GetRelevantMemories(ctx context.Context, query string, topK int) []Recalled {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("memory: embed query failed", "err", err)
		return nil
	}
	candidates, err := s.store.FindSimilar(ctx, emb, topK*2)
	if err != nil {
		s.logger.Warn("memory: similarity search failed", "err", err)
		return nil
	}
	return s.rank(candidates, topK)
}

// SearchMemories is GetRelevantMemories for explicit user searches. When the
// query cannot be embedded it falls back to the store's text search.
func (s *Service) SearchMemories(ctx context.Context, query string, topK int) []Recalled {
	if topK <= 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	emb, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("memory: embed search failed, using text search", "err", err)
		candidates, err := s.store.SearchText(ctx, query, topK*2)
		if err != nil {
			s.logger.Warn("memory: text search failed", "err", err)
			return nil
		}
		return s.rank(candidates, topK)
	}
	candidates, err := s.store.FindSimilar(ctx, emb, topK*2)
	if err != nil {
		s.logger.Warn("memory: similarity search failed", "err", err)
		return nil
	}
	return s.rank(candidates, topK)
}

// rank orders candidates by effective strength, drops the purgeable ones and
// truncates to topK.
func (s *Service) rank(candidates []Memory, topK int) []Recalled {
	now := s.now()
	out := make([]Recalled, 0, len(candidates))
	for _, m := range candidates {
		eff := s.policy.EffectiveStrength(m, now)
		if eff < s.policy.PurgeThreshold {
			continue
		}
		out = append(out, Recalled{Memory: m, Effective: eff})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Effective > out[j].Effective })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

// Purge deletes every memory whose effective strength is below the purge
// threshold and returns how many were removed.
func (s *Service) Purge(ctx context.Context) (int, error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory: purge: list: %w", err)
	}
	now := s.now()
	purged := 0
	for _, m := range all {
		if !s.policy.Purgeable(m, now) {
			continue
		}
		if err := s.store.Delete(ctx, m.ID); err != nil {
			s.logger.Warn("memory: purge delete failed", "id", m.ID, "err", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		s.logger.Info("memory: purged decayed memories", "count", purged)
	}
	return purged, nil
}

func relationPrompt(fact string, candidates []Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New fact: %s\n\nExisting memories:\n", fact)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- [%s] %s\n", c.ID, c.Content)
	}
	return b.String()
}

// trivialWords are reactions that never carry a fact on their own.
var trivialWords = map[string]bool{
	"lol": true, "lmao": true, "lmfao": true, "rofl": true, "haha": true, "hahaha": true,
	"nice": true, "yeah": true, "yea": true, "yep": true, "yup": true, "ya": true,
	"ok": true, "okay": true, "k": true, "kk": true, "sure": true, "true": true,
	"no": true, "nah": true, "nope": true, "yes": true, "wow": true, "omg": true,
	"cool": true, "same": true, "thanks": true, "thx": true, "ty": true, "gg": true,
	"oof": true, "rip": true, "bruh": true, "based": true, "mood": true, "lmk": true,
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

// isTrivialBatch reports whether every line of a "Name: text" batch is an
// empty or stock reaction.
func isTrivialBatch(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i := strings.Index(line, ": "); i >= 0 {
			line = line[i+2:]
		}
		words := strings.Fields(strings.ToLower(nonWord.ReplaceAllString(line, " ")))
		for _, w := range words {
			if !trivialWords[w] {
				return false
			}
		}
	}
	return true
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
