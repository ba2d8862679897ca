// Package persona loads the bot's character file: its name, how it can be
// addressed, its prompt, custom emoji and the subjects it has reference
// photos of.
//
// The file is YAML checked against an embedded JSON schema before it is
// decoded, so a typo in a key is an error instead of a silently ignored
// field.
package persona

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/achimala/samebot-zero/internal/samebot/agent"
	"github.com/achimala/samebot-zero/internal/samebot/entity"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("persona.schema.json", schemaJSON)

// File is the decoded persona document.
type File struct {
	Name      string           `yaml:"name" json:"name"`
	Nicknames []string         `yaml:"nicknames,omitempty" json:"nicknames,omitempty"`
	WakeWords []string         `yaml:"wakeWords,omitempty" json:"wakeWords,omitempty"`
	Prompt    string           `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Emoji     []agent.Emoji    `yaml:"emoji,omitempty" json:"emoji,omitempty"`
	Subjects  []entity.Subject `yaml:"subjects,omitempty" json:"subjects,omitempty"`

	// Hash is the SHA-256 of the source document.
	Hash string `yaml:"-" json:"-"`
}

// Default is used when no persona file is configured.
func Default(name string) *File {
	if name == "" {
		name = "samebot"
	}
	return &File{Name: name, WakeWords: []string{name}}
}

// Load reads, validates and decodes path. Relative subject image paths
// are resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range f.Subjects {
		for j, img := range f.Subjects[i].Images {
			if !filepath.IsAbs(img) {
				f.Subjects[i].Images[j] = filepath.Join(dir, img)
			}
		}
	}
	slog.Info("persona loaded",
		"name", f.Name,
		"emoji", len(f.Emoji),
		"subjects", len(f.Subjects),
		"hash", f.Hash[:12],
	)
	return f, nil
}

// Parse validates a YAML document against the persona schema and decodes it.
func Parse(data []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse persona yaml: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("persona file is empty")
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("persona yaml is not JSON-compatible: %w", err)
	}
	var jsonDoc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&jsonDoc); err != nil {
		return nil, err
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("invalid persona: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode persona: %w", err)
	}
	if err := checkDuplicates(&f); err != nil {
		return nil, fmt.Errorf("invalid persona: %w", err)
	}
	sum := sha256.Sum256(data)
	f.Hash = hex.EncodeToString(sum[:])
	return &f, nil
}

func checkDuplicates(f *File) error {
	seen := make(map[string]bool, len(f.Emoji))
	for _, e := range f.Emoji {
		key := strings.ToLower(e.Name)
		if seen[key] {
			return fmt.Errorf("emoji %q listed twice", e.Name)
		}
		seen[key] = true
	}
	seen = make(map[string]bool, len(f.Subjects))
	for _, s := range f.Subjects {
		key := strings.ToLower(s.Name)
		if seen[key] {
			return fmt.Errorf("subject %q listed twice", s.Name)
		}
		seen[key] = true
	}
	return nil
}

// Names returns every name the bot answers to, primary name first.
func (f *File) Names() []string {
	return append([]string{f.Name}, f.Nicknames...)
}

// Agent converts the file to the agent's persona.
func (f *File) Agent() agent.Persona {
	return agent.Persona{Name: f.Name, Prompt: f.Prompt, Emoji: f.Emoji}
}
