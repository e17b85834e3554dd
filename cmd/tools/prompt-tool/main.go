// cmd/tools/prompt-tool/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	httpclient "store-insights/internal/common/http"
	"store-insights/pkg/promptfile"
)

const defaultPath = "configs/prompts.yaml"

func main() {
	if len(os.Args) < 2 {
		help(os.Stdout)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to prompt file")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return validateFile(*path, out)

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to prompt file")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return listTemplates(*path, out)

	case "show":
		fs := flag.NewFlagSet("show", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to prompt file")
		stage := fs.String("stage", "", "Stage (classifier, querygen, insight)")
		category := fs.String("category", promptfile.DefaultCategory, "Category")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *stage == "" {
			return fmt.Errorf("stage is required for show")
		}
		return showTemplate(*path, *stage, *category, out)

	case "set":
		fs := flag.NewFlagSet("set", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to prompt file")
		stage := fs.String("stage", "", "Stage (classifier, querygen, insight)")
		category := fs.String("category", promptfile.DefaultCategory, "Category")
		field := fs.String("field", "", "Field to update (system, user, description, temperature, maxTokens)")
		value := fs.String("value", "", "New value for the field")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *stage == "" || *field == "" {
			return fmt.Errorf("stage and field are required for set")
		}
		if err := setField(*path, *stage, *category, *field, *value); err != nil {
			return err
		}
		fmt.Fprintf(out, "Updated %s:%s, field %s\n", *stage, *category, *field)
		return nil

	case "push":
		fs := flag.NewFlagSet("push", flag.ContinueOnError)
		path := fs.String("path", defaultPath, "Path to prompt file")
		addr := fs.String("redis", "localhost:6379", "Redis address")
		key := fs.String("key", "store-insights:prompts", "Redis hash key")
		if err := fs.Parse(args); err != nil {
			return err
		}
		rdb := redis.NewClient(&redis.Options{Addr: *addr, Password: os.Getenv("REDIS_PASSWORD")})
		defer rdb.Close()
		n, err := push(context.Background(), rdb, *path, *key)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Pushed %d templates to %s\n", n, *key)
		return nil

	case "reload":
		fs := flag.NewFlagSet("reload", flag.ContinueOnError)
		url := fs.String("url", "http://localhost:8080/admin/prompts/reload", "Worker manager reload endpoint")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return reload(context.Background(), *url, out)

	case "help":
		help(out)
		return nil

	default:
		help(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

func validateFile(path string, out io.Writer) error {
	doc, err := promptfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load prompt file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("prompt file validation failed: %w", err)
	}
	fmt.Fprintf(out, "Prompt file validation passed. Found %d templates (version %s).\n", len(doc.Templates), doc.Version)
	return nil
}

func listTemplates(path string, out io.Writer) error {
	doc, err := promptfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load prompt file: %w", err)
	}

	keys := make([]string, 0, len(doc.Templates))
	descriptions := make(map[string]string, len(doc.Templates))
	for _, t := range doc.Templates {
		keys = append(keys, t.Key())
		descriptions[t.Key()] = t.Description
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%-40s %s\n", k, descriptions[k])
	}
	return nil
}

func showTemplate(path, stage, category string, out io.Writer) error {
	doc, err := promptfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load prompt file: %w", err)
	}
	t, ok := doc.Find(stage, category)
	if !ok {
		return fmt.Errorf("template %s:%s not found", stage, category)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// setField edits one template and refuses to save a document that would not
// load. A new template starts as a copy of the stage's default template.
func setField(path, stage, category, field, value string) error {
	doc, err := promptfile.Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load prompt file: %w", err)
		}
		doc = &promptfile.Document{Version: "1"}
	}

	t, ok := doc.Find(stage, category)
	if !ok {
		t, _ = doc.Find(stage, promptfile.DefaultCategory)
		t.Description = ""
	}
	t.Stage, t.Category = stage, category

	switch field {
	case "system":
		t.System = value
	case "user":
		t.User = value
	case "description":
		t.Description = value
	case "temperature":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid temperature value: %w", err)
		}
		t.Temperature = &f
	case "maxTokens":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid maxTokens value: %w", err)
		}
		t.MaxTokens = n
	default:
		return fmt.Errorf("unknown field: %s", field)
	}

	doc.Upsert(t)
	if err := doc.Validate(); err != nil {
		return err
	}
	return promptfile.Save(doc, path)
}

// push writes the file into the hash layout read by the Redis prompt source:
// one "<stage>:<category>" field per template plus "version".
func push(ctx context.Context, rdb redis.Cmdable, path, key string) (int, error) {
	doc, err := promptfile.Load(path)
	if err != nil {
		return 0, fmt.Errorf("failed to load prompt file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return 0, fmt.Errorf("prompt file validation failed: %w", err)
	}

	fields := map[string]interface{}{"version": doc.Version}
	for _, t := range doc.Templates {
		data, err := yaml.Marshal(t)
		if err != nil {
			return 0, err
		}
		fields[t.Key()] = string(data)
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return len(doc.Templates), nil
}

func reload(ctx context.Context, url string, out io.Writer) error {
	var resp struct {
		Status    string `json:"status"`
		Source    string `json:"source"`
		Version   string `json:"version"`
		Templates int    `json:"templates"`
	}
	client := httpclient.NewClient(10 * time.Second)
	if err := client.PostJSON(ctx, url, nil, struct{}{}, &resp); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	fmt.Fprintf(out, "Prompts %s from %s (version %s, %d templates)\n", resp.Status, resp.Source, resp.Version, resp.Templates)
	return nil
}

func help(out io.Writer) {
	fmt.Fprintln(out, strings.TrimSpace(`
Usage: prompt-tool <command> [flags]

Commands:
  validate  Validate a prompt file
  list      List the templates in a prompt file
  show      Print one template
  set       Create or update a template field
  push      Copy a prompt file into the Redis prompt hash
  reload    Ask a running worker manager to reload its prompts
  help      Show this help message

Examples:
  prompt-tool validate -path configs/prompts.yaml
  prompt-tool show -stage insight -category sales_trends
  prompt-tool set -stage insight -category sales_trends -field temperature -value 0.3
  prompt-tool push -redis localhost:6379 -key store-insights:prompts
  prompt-tool reload -url http://localhost:8080/admin/prompts/reload

Use 'prompt-tool <command> -h' for more information about a command.`))
}
