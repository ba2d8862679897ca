// Package entity finds the known people, pets and things a prompt refers
// to, so image generation can use their reference photos.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/achimala/samebot-zero/internal/samebot/llm"
)

// MatchThreshold is the minimum normalized Levenshtein similarity for a
// window of prompt words to count as a subject's name.
const MatchThreshold = 0.8

// Subject is a known entity with reference images on disk.
type Subject struct {
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Images  []string `yaml:"images" json:"images"`
}

// Reference is a matched subject with its loaded images.
type Reference struct {
	Name   string
	Images []llm.Image
}

// Resolver matches prompts against a fixed set of subjects. Images are read
// lazily and cached; concurrent first loads of one subject share one read.
type Resolver struct {
	subjects []Subject
	logger   *slog.Logger
	readFile func(string) ([]byte, error)

	loads singleflight.Group
	mu    sync.RWMutex
	cache map[string][]llm.Image
}

// NewResolver creates a Resolver. A nil logger uses slog.Default().
func NewResolver(subjects []Subject, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		subjects: subjects,
		logger:   logger,
		readFile: os.ReadFile,
		cache:    make(map[string][]llm.Image),
	}
}

// Subjects returns the names of every known subject.
func (r *Resolver) Subjects() []string {
	out := make([]string, len(r.subjects))
	for i, s := range r.subjects {
		out[i] = s.Name
	}
	return out
}

// Resolve returns a Reference for every subject mentioned in prompt, in
// subject order. A subject whose images cannot be loaded is skipped with a
// warning.
func (r *Resolver) Resolve(ctx context.Context, prompt string) ([]Reference, error) {
	words := tokenize(prompt)
	lower := strings.ToLower(prompt)

	var out []Reference
	for _, s := range r.subjects {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if !matches(s, words, lower) {
			continue
		}
		imgs, err := r.images(s)
		if err != nil {
			r.logger.Warn("entity: load reference images failed", "subject", s.Name, "err", err)
			continue
		}
		out = append(out, Reference{Name: s.Name, Images: imgs})
	}
	return out, nil
}

func (r *Resolver) images(s Subject) ([]llm.Image, error) {
	r.mu.RLock()
	imgs, ok := r.cache[s.Name]
	r.mu.RUnlock()
	if ok {
		return imgs, nil
	}

	v, err, _ := r.loads.Do(s.Name, func() (any, error) {
		loaded := make([]llm.Image, 0, len(s.Images))
		for _, path := range s.Images {
			data, err := r.readFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			loaded = append(loaded, llm.Image{MimeType: http.DetectContentType(data), Data: data})
		}
		r.mu.Lock()
		r.cache[s.Name] = loaded
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]llm.Image), nil
}

func matches(s Subject, words []string, lowerPrompt string) bool {
	for _, alias := range s.Aliases {
		// Short aliases would match inside unrelated words.
		if a := strings.ToLower(strings.TrimSpace(alias)); len([]rune(a)) >= 3 && strings.Contains(lowerPrompt, a) {
			return true
		}
	}
	for _, name := range append([]string{s.Name}, s.Aliases...) {
		target := tokenize(name)
		if len(target) == 0 || len(target) > len(words) {
			continue
		}
		joined := strings.Join(target, " ")
		for i := 0; i+len(target) <= len(words); i++ {
			if Similarity(strings.Join(words[i:i+len(target)], " "), joined) >= MatchThreshold {
				return true
			}
		}
	}
	return false
}

// tokenize lowercases s and splits it into letter/digit words with
// possessive suffixes removed.
func tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
	out := words[:0]
	for _, w := range words {
		w = strings.TrimSuffix(strings.TrimSuffix(w, "'s"), "’s")
		if w = strings.Trim(w, "'’"); w != "" {
			out = append(out, w)
		}
	}
	return out
}
