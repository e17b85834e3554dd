// pkg/promptfile/promptfile.go
package promptfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML or JSON prompt file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, which also accepts JSON documents.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse prompt file: %w", err)
	}
	return &doc, nil
}

// Save writes doc as JSON when path ends in .json and as YAML otherwise.
func Save(doc *Document, path string) error {
	doc.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = yaml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal prompt file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write prompt file: %w", err)
	}
	return nil
}

// Key identifies a template inside a document.
func (t Template) Key() string {
	return t.Stage + ":" + t.Category
}

// Validate checks one template in isolation.
func (t Template) Validate() error {
	if !contains(Stages, t.Stage) {
		return fmt.Errorf("template %s: unknown stage %q", t.Key(), t.Stage)
	}
	if !contains(Categories, t.Category) {
		return fmt.Errorf("template %s: unknown category %q", t.Key(), t.Category)
	}
	if strings.TrimSpace(t.System) == "" {
		return fmt.Errorf("template %s: missing system message", t.Key())
	}
	if strings.TrimSpace(t.User) == "" {
		return fmt.Errorf("template %s: missing user template", t.Key())
	}
	if _, err := template.New(t.Key()).Option("missingkey=error").Parse(t.User); err != nil {
		return fmt.Errorf("template %s: %w", t.Key(), err)
	}
	if t.Temperature != nil && (*t.Temperature < 0 || *t.Temperature > 2) {
		return fmt.Errorf("template %s: temperature %.2f out of range", t.Key(), *t.Temperature)
	}
	if t.MaxTokens < 0 {
		return fmt.Errorf("template %s: negative maxTokens", t.Key())
	}
	return nil
}

// Validate checks every template and rejects duplicate keys. An empty
// document is valid; missing keys fall back to built-in defaults.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Templates))
	for _, t := range d.Templates {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Key()] {
			return fmt.Errorf("duplicate template: %s", t.Key())
		}
		seen[t.Key()] = true
	}
	return nil
}

// Find returns the template for stage and category, if present.
func (d *Document) Find(stage, category string) (Template, bool) {
	for _, t := range d.Templates {
		if t.Stage == stage && t.Category == category {
			return t, true
		}
	}
	return Template{}, false
}

// Upsert replaces the template with the same key or appends it.
func (d *Document) Upsert(t Template) {
	for i := range d.Templates {
		if d.Templates[i].Key() == t.Key() {
			d.Templates[i] = t
			return
		}
	}
	d.Templates = append(d.Templates, t)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
