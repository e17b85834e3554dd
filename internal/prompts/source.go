package prompts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"store-insights/internal/common/config"
	"store-insights/pkg/promptfile"
)

// Source loads a prompt document from wherever operators keep it.
type Source interface {
	Load(ctx context.Context) (*promptfile.Document, error)
	Name() string
}

type FileSource struct {
	Path string
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Load(ctx context.Context) (*promptfile.Document, error) {
	return promptfile.Load(s.Path)
}

// RedisSource reads a hash whose fields are "<stage>:<category>" and whose
// values are single templates in YAML or JSON. The optional "version" field
// labels the snapshot.
type RedisSource struct {
	Client redis.Cmdable
	Key    string
}

func (s *RedisSource) Name() string { return "redis:" + s.Key }

func (s *RedisSource) Load(ctx context.Context) (*promptfile.Document, error) {
	fields, err := s.Client.HGetAll(ctx, s.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("read prompt hash %s: %w", s.Key, err)
	}

	doc := &promptfile.Document{Version: fields["version"]}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name != "version" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		stage, category, ok := strings.Cut(name, ":")
		if !ok {
			return nil, fmt.Errorf("prompt hash field %q is not <stage>:<category>", name)
		}
		var t promptfile.Template
		if err := yaml.Unmarshal([]byte(fields[name]), &t); err != nil {
			return nil, fmt.Errorf("prompt hash field %q: %w", name, err)
		}
		t.Stage, t.Category = stage, category
		doc.Templates = append(doc.Templates, t)
	}
	return doc, nil
}

// NewSource picks the configured source. It returns nil when prompts come
// from the built-in defaults only.
func NewSource(cfg config.PromptsConfig, rdb redis.Cmdable) (Source, error) {
	switch cfg.Source {
	case "", "builtin":
		return nil, nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("prompts.path is required for the file source")
		}
		return &FileSource{Path: cfg.Path}, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("prompts.source redis needs a redis client")
		}
		key := cfg.RedisKey
		if key == "" {
			key = "store-insights:prompts"
		}
		return &RedisSource{Client: rdb, Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown prompts source %q", cfg.Source)
	}
}
