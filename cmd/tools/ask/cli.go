package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"store-insights/internal/common/config"
	"store-insights/internal/common/database"
	"store-insights/internal/common/logger"
	"store-insights/internal/models"
	"store-insights/internal/pipeline"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// Asker is the pipeline entry point; *agent.Agent satisfies it.
type Asker interface {
	Ask(ctx context.Context, question string, store models.StoreContext) models.Answer
}

// newAsker builds the pipeline from config. Tests replace it.
var newAsker = func(ctx context.Context, configPath string, verbose bool) (Asker, func(), error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.NewStructured(logger.Options{Level: level, Format: "console", Output: "stderr"})

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { pg.Close() }}

	res := pipeline.Resources{DB: pg.DB}
	if cfg.Database.Redis.Address != "" {
		rc := database.NewRedis(cfg.Database.Redis)
		res.Redis = rc.Client
		closers = append(closers, func() { rc.Close() })
	}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	p, err := pipeline.Build(ctx, cfg, res, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return p.Agent, cleanup, nil
}

func Run(args []string) ExitCode {
	rootCmd := newRootCmd(os.Stdout)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a store analytics question against the warehouse.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readOptions(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			asker, cleanup, err := newAsker(ctx, opts.configPath, opts.verbose)
			if err != nil {
				return fmt.Errorf("failed to build pipeline: %w", err)
			}
			defer cleanup()

			answer := asker.Ask(ctx, strings.Join(args, " "), models.StoreContext{StoreID: opts.store})
			if err := printAnswer(out, answer, opts.jsonOutput); err != nil {
				return err
			}
			if answer.Failed() {
				return fmt.Errorf("%s: %s", answer.Failure.Code, answer.Failure.Message)
			}
			return nil
		},
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringP("store", "s", "", "Store domain, e.g. acme.myshopify.com")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (defaults to configs/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "Print the full answer as JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Set debug logging level")
	_ = rootCmd.MarkPersistentFlagRequired("store")

	rootCmd.AddCommand(newBatchCmd(out))
	return rootCmd
}

type options struct {
	store      string
	configPath string
	jsonOutput bool
	verbose    bool
}

func readOptions(cmd *cobra.Command) (options, error) {
	var opts options
	var err error
	flags := cmd.Flags()
	if opts.store, err = flags.GetString("store"); err != nil {
		return opts, fmt.Errorf("failed to get store flag: %w", err)
	}
	if opts.configPath, err = flags.GetString("config"); err != nil {
		return opts, fmt.Errorf("failed to get config flag: %w", err)
	}
	if opts.jsonOutput, err = flags.GetBool("json"); err != nil {
		return opts, fmt.Errorf("failed to get json flag: %w", err)
	}
	if opts.verbose, err = flags.GetBool("verbose"); err != nil {
		return opts, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	return opts, nil
}

func newBatchCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <questions-file>",
		Short: "Answer one question per line concurrently and print a summary table.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readOptions(cmd)
			if err != nil {
				return err
			}
			concurrency, err := cmd.Flags().GetInt("concurrency")
			if err != nil {
				return fmt.Errorf("failed to get concurrency flag: %w", err)
			}

			questions, err := readQuestions(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			asker, cleanup, err := newAsker(ctx, opts.configPath, opts.verbose)
			if err != nil {
				return fmt.Errorf("failed to build pipeline: %w", err)
			}
			defer cleanup()

			results, err := askAll(ctx, asker, models.StoreContext{StoreID: opts.store}, questions, concurrency)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			printSummary(out, results)
			return nil
		},
	}
	cmd.Flags().IntP("concurrency", "n", 4, "Questions answered at the same time")
	return cmd
}

type batchResult struct {
	Question string        `json:"question"`
	Answer   models.Answer `json:"answer"`
	Elapsed  time.Duration `json:"elapsed"`
}

// askAll answers every question on a bounded pool. Results keep input order.
func askAll(ctx context.Context, asker Asker, store models.StoreContext, questions []string, concurrency int) ([]batchResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	pool := pond.NewResultPool[batchResult](concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, q := range questions {
		group.Submit(func() batchResult {
			start := time.Now()
			answer := asker.Ask(ctx, q, store)
			return batchResult{Question: q, Answer: answer, Elapsed: time.Since(start)}
		})
	}
	return group.Wait()
}

func readQuestions(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open questions file: %w", err)
	}
	defer f.Close()

	var questions []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		questions = append(questions, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions file: %w", err)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions in %s", path)
	}
	return questions, nil
}

func printAnswer(out io.Writer, answer models.Answer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}

	fmt.Fprintln(out, answer.Text)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "confidence: %s   data points: %d   request: %s\n", answer.Confidence, answer.DataPoints, answer.RequestID)
	if answer.QueryUsed != "" {
		fmt.Fprintf(out, "query:\n%s\n", answer.QueryUsed)
	}
	return nil
}

func printSummary(out io.Writer, results []batchResult) {
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Question", "Outcome", "Confidence", "Data Points", "Elapsed"})

	for _, r := range results {
		table.Append([]string{
			r.Question,
			outcome(r.Answer),
			string(r.Answer.Confidence),
			fmt.Sprintf("%d", r.Answer.DataPoints),
			r.Elapsed.Round(time.Millisecond).String(),
		})
	}
	table.Render()
}

func outcome(a models.Answer) string {
	switch {
	case a.Failed():
		return a.Failure.Code
	case a.ClarificationNeeded:
		return "clarification"
	default:
		return "answered"
	}
}
