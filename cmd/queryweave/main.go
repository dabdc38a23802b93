// Command queryweave is the CLI for the QueryWeave Text2SQL orchestrator.
//
// Usage:
//
//	queryweave serve --config config.yaml
//	queryweave ask --config config.yaml "How many orders did we have in 2008?"
//	queryweave index --config config.yaml --entities ./data_dictionary
//	queryweave version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/queryweave/queryweave"
	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/payloads"
	"github.com/queryweave/queryweave/pkg/runtime"
	"github.com/queryweave/queryweave/pkg/server"
)

type cli struct {
	Config string `help:"Path to the YAML configuration file." default:"config.yaml" type:"path"`

	Serve   serveCmd   `cmd:"" help:"Start the HTTP streaming API."`
	Ask     askCmd     `cmd:"" help:"Answer a single question from the terminal."`
	Index   indexCmd   `cmd:"" help:"Load entity documents and column values into the search indices."`
	Version versionCmd `cmd:"" help:"Print version information."`
}

type serveCmd struct {
	Entities     string `help:"Directory of entity documents to load at startup." type:"path"`
	ColumnValues string `help:"Column value JSONL file to load at startup." type:"path"`
	Trace        bool   `help:"Emit OpenTelemetry traces to stdout."`
}

func (c *serveCmd) Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, runtime.Options{
		EntitiesDir:      c.Entities,
		ColumnValuesPath: c.ColumnValues,
		Reindex:          c.Entities != "" || c.ColumnValues != "",
		EnableTracing:    c.Trace,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	srv := server.New(cfg.Server, rt.Orchestrator, rt.Logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		rt.Logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	}
}

type askCmd struct {
	Question     string `arg:"" help:"The question to answer."`
	Entities     string `help:"Directory of entity documents to load." type:"path"`
	ColumnValues string `help:"Column value JSONL file to load." type:"path"`
	Thread       string `help:"Thread ID; reuse to answer a pending clarification."`
	JSON         bool   `help:"Print raw payloads as JSON instead of rendered text."`
}

func (c *askCmd) Run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, runtime.Options{
		EntitiesDir:      c.Entities,
		ColumnValuesPath: c.ColumnValues,
		Reindex:          c.Entities != "" || c.ColumnValues != "",
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	threadID := c.Thread
	if threadID == "" {
		threadID = uuid.NewString()
	}

	q := payloads.NewQuestion(c.Question, nil, nil)
	for payload := range rt.Orchestrator.ProcessUserMessage(ctx, threadID, q) {
		if c.JSON {
			raw, _ := json.Marshal(payload)
			fmt.Println(string(raw))
			continue
		}
		renderPayload(payload, threadID)
	}
	return nil
}

func renderPayload(p payloads.Payload, threadID string) {
	switch v := p.(type) {
	case *payloads.ProcessingUpdate:
		fmt.Printf("... %s\n", v.Message)
	case *payloads.Thought:
		fmt.Printf("[%s] %s\n", v.Agent, v.Content)
	case *payloads.DisambiguationRequest:
		fmt.Println("\nI need a clarification before I can answer:")
		for _, q := range v.Requests {
			fmt.Printf("  %s\n", q.Question)
			for _, choice := range append(q.MatchingColumns, q.MatchingFilterValues...) {
				fmt.Printf("    - %s\n", choice)
			}
		}
		fmt.Printf("\nAnswer with: queryweave ask --thread %s \"<your choice>\"\n", threadID)
	case *payloads.AnswerWithSources:
		fmt.Printf("\n%s\n", v.Answer)
		for _, src := range v.Sources {
			if src.SQLQuery != "" {
				fmt.Printf("\nSQL: %s\n", src.SQLQuery)
			}
			if src.MarkdownTable != "" {
				fmt.Println(src.MarkdownTable)
			}
			if src.Error != "" {
				fmt.Printf("(failed: %s)\n", src.Error)
			}
		}
		for i, s := range v.FollowUpSuggestions {
			if i == 0 {
				fmt.Println("\nYou might also ask:")
			}
			fmt.Printf("  - %s\n", s)
		}
	case *payloads.Error:
		fmt.Printf("\nerror (%s): %s\n", v.Code, v.Message)
		if v.Details != "" {
			fmt.Printf("  %s\n", v.Details)
		}
	}
}

type indexCmd struct {
	Entities     string `help:"Directory of entity documents to index." type:"path"`
	ColumnValues string `help:"Column value JSONL file to index." type:"path"`
}

func (c *indexCmd) Run(cfg *config.Config) error {
	if c.Entities == "" && c.ColumnValues == "" {
		return fmt.Errorf("nothing to index: pass --entities and/or --column-values")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, runtime.Options{
		EntitiesDir:      c.Entities,
		ColumnValuesPath: c.ColumnValues,
		Reindex:          true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	rt.Logger.Info("indexing complete")
	return nil
}

type versionCmd struct{}

func (versionCmd) Run(*config.Config) error {
	fmt.Println(queryweave.GetVersion().String())
	return nil
}

func main() {
	var c cli
	parsed := kong.Parse(&c,
		kong.Name("queryweave"),
		kong.Description("Multi-agent Text2SQL orchestrator."),
		kong.UsageOnError(),
	)

	// Version needs no config file.
	if parsed.Command() == "version" {
		parsed.FatalIfErrorf(parsed.Run((*config.Config)(nil)))
		return
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("config file %s not found", c.Config)
		}
		parsed.FatalIfErrorf(err)
	}

	parsed.FatalIfErrorf(parsed.Run(cfg))
}
