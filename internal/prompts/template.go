package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"text/template"
	"time"

	"store-insights/internal/common/errors"
	"store-insights/pkg/promptfile"
)

type Stage string

const (
	StageClassifier Stage = "classifier"
	StageQueryGen   Stage = "querygen"
	StageInsight    Stage = "insight"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Template is a compiled prompt. It is immutable once built.
type Template struct {
	Stage       Stage
	Category    string
	System      string
	Temperature float64
	MaxTokens   int64
	user        *template.Template
}

// Render executes the user template against data.
func (t *Template) Render(data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.user.Execute(&buf, data); err != nil {
		return "", errors.NewTemplateValidationFailedError(
			fmt.Sprintf("render %s:%s: %v", t.Stage, t.Category, err))
	}
	return buf.String(), nil
}

func compile(t promptfile.Template) (*Template, error) {
	if err := t.Validate(); err != nil {
		return nil, errors.NewTemplateValidationFailedError(err.Error())
	}
	user, err := template.New(t.Key()).Option("missingkey=error").Parse(t.User)
	if err != nil {
		return nil, errors.NewTemplateValidationFailedError(err.Error())
	}
	compiled := &Template{
		Stage:     Stage(t.Stage),
		Category:  t.Category,
		System:    t.System,
		MaxTokens: t.MaxTokens,
		user:      user,
	}
	if t.Temperature != nil {
		compiled.Temperature = *t.Temperature
	}
	return compiled, nil
}

type key struct {
	stage    Stage
	category string
}

// Snapshot is an immutable set of templates. Readers hold on to the snapshot
// they took; a reload never changes it underneath them.
type Snapshot struct {
	Version  string
	Source   string
	LoadedAt time.Time

	templates map[key]*Template
	fallback  *Snapshot
}

// Get resolves (stage, category), then (stage, default), then the built-in
// templates in the same order.
func (s *Snapshot) Get(stage Stage, category string) (*Template, error) {
	for snap := s; snap != nil; snap = snap.fallback {
		if t, ok := snap.templates[key{stage, category}]; ok {
			return t, nil
		}
		if t, ok := snap.templates[key{stage, promptfile.DefaultCategory}]; ok {
			return t, nil
		}
	}
	return nil, errors.NewTemplateNotFoundError(string(stage) + ":" + category)
}

// Len is the number of templates defined by this snapshot itself.
func (s *Snapshot) Len() int {
	return len(s.templates)
}

func newSnapshot(doc *promptfile.Document, source string, fallback *Snapshot) (*Snapshot, error) {
	if err := doc.Validate(); err != nil {
		return nil, errors.NewTemplateValidationFailedError(err.Error())
	}
	snap := &Snapshot{
		Version:   doc.Version,
		Source:    source,
		LoadedAt:  time.Now(),
		templates: make(map[key]*Template, len(doc.Templates)),
		fallback:  fallback,
	}
	for _, t := range doc.Templates {
		compiled, err := compile(t)
		if err != nil {
			return nil, err
		}
		snap.templates[key{compiled.Stage, compiled.Category}] = compiled
	}
	return snap, nil
}

// Defaults returns the built-in snapshot compiled into the binary.
func Defaults() *Snapshot {
	doc, err := promptfile.Parse(defaultsYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in prompts: %v", err))
	}
	snap, err := newSnapshot(doc, "builtin", nil)
	if err != nil {
		panic(fmt.Sprintf("built-in prompts: %v", err))
	}
	return snap
}
