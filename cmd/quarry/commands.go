package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/quarrydev/quarry/internal/access"
	"github.com/quarrydev/quarry/internal/discover"
	"github.com/quarrydev/quarry/internal/embedder"
	"github.com/quarrydev/quarry/internal/freshness"
	"github.com/quarrydev/quarry/internal/indexer"
	"github.com/quarrydev/quarry/internal/notify"
	"github.com/quarrydev/quarry/internal/search"
	"github.com/quarrydev/quarry/pkg/types"
)

func scopeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "repo", Usage: "repository name, e.g. acme/api", Required: true},
		&cli.StringFlag{Name: "branch", Usage: "branch name", Value: "main"},
		&cli.StringFlag{Name: "path", Usage: "working tree root", Value: "."},
	}
}

func scopeFromFlags(c *cli.Context) types.RepoBranch {
	return types.RepoBranch{Repository: c.String("repo"), Branch: c.String("branch")}
}

// newPipeline wires the full ingestion stack for one process.
func newPipeline(a *app, tracker *freshness.Tracker) (*indexer.Pipeline, error) {
	batcher, err := embedder.NewBatcher(a.emb, a.cfg.Embedding, a.logger)
	if err != nil {
		return nil, err
	}
	filter := discover.NewFilter(
		a.cfg.Discovery.CatalogThresholdBytes,
		a.cfg.Discovery.MaxPathLength,
		a.cfg.Discovery.SkipDirs,
	)
	disc := discover.New(filter, a.logger)
	return indexer.New(a.meta, a.docs, disc, a.strategy(), batcher, indexer.NewLeases(), tracker, 0, a.logger), nil
}

// grantsFromStore grants the local operator every tracked branch. The
// capability model matters for multi-caller servers; the CLI owner owns
// the whole index.
func grantsFromStore(ctx context.Context, a *app) (access.CapabilitySet, error) {
	branches, err := a.meta.ListBranches(ctx, "")
	if err != nil {
		return access.CapabilitySet{}, err
	}

	grants := access.CapabilitySet{
		Branches: make(map[string][]string),
		Defaults: make(map[string]string),
	}
	for _, branch := range branches {
		if !branch.Tracked {
			continue
		}
		grants.Branches[branch.Repository] = append(grants.Branches[branch.Repository], branch.Name)
		if branch.IsDefault {
			grants.Defaults[branch.Repository] = branch.Name
		}
	}
	return grants, nil
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "ingest one branch snapshot from a working tree",
		Flags: append(scopeFlags(),
			&cli.StringFlag{Name: "revision", Usage: "revision identifier for this snapshot"},
			&cli.BoolFlag{Name: "default", Usage: "mark this branch as the repository default"},
		),
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			key := scopeFromFlags(c)
			tracker := freshness.NewTracker(a.meta, a.cfg.Freshness, a.logger)
			if _, err := tracker.Observe(c.Context, key, c.Bool("default")); err != nil {
				return err
			}

			pipe, err := newPipeline(a, tracker)
			if err != nil {
				return err
			}
			stats, err := pipe.Run(c.Context, c.String("path"), key, c.String("revision"))
			if err != nil {
				return err
			}

			fmt.Printf("indexed %s: %d artifacts (%d chunked, %d unchanged, %d cataloged-only, %d failed)\n",
				key, stats.ArtifactsSeen, stats.ArtifactsChunked, stats.ArtifactsUnchanged,
				stats.CatalogedOnly, stats.Failed)
			fmt.Printf("chunks: +%d -%d, deleted paths: %d, took %s\n",
				stats.ChunksUpserted, stats.ChunksDeleted, stats.ArtifactsDeleted,
				stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func queryFromArgs(c *cli.Context) (search.Query, error) {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return search.Query{}, errors.New("a query is required")
	}
	return search.Query{
		Text: text,
		Scope: access.Request{
			Repositories: c.StringSlice("repo"),
			Branch:       c.String("branch"),
		},
		TopK: c.Int("top"),
	}, nil
}

func searchScopeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "repo", Usage: "restrict to repositories (default: all tracked)"},
		&cli.StringFlag{Name: "branch", Usage: "branch override (default: each repository's default)"},
		&cli.IntFlag{Name: "top", Usage: "number of results"},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "hybrid search across indexed branches",
		ArgsUsage: "<query>",
		Flags:     searchScopeFlags(),
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := queryFromArgs(c)
			if err != nil {
				return err
			}
			grants, err := grantsFromStore(c.Context, a)
			if err != nil {
				return err
			}
			engine, err := search.New(a.docs, a.emb, nil, a.cfg.Search, a.logger)
			if err != nil {
				return err
			}

			results, err := engine.Search(c.Context, grants, q)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}
			for i, r := range results {
				printCitation(i+1, r.Citation)
			}
			return nil
		},
	}
}

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "answer a question with citations",
		ArgsUsage: "<question>",
		Flags:     searchScopeFlags(),
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := queryFromArgs(c)
			if err != nil {
				return err
			}
			grants, err := grantsFromStore(c.Context, a)
			if err != nil {
				return err
			}
			// No generator is wired yet, so answers are citations-only.
			engine, err := search.New(a.docs, a.emb, nil, a.cfg.Search, a.logger)
			if err != nil {
				return err
			}

			answer, err := engine.Ask(c.Context, grants, q)
			if err != nil {
				return err
			}
			if answer.Degraded {
				fmt.Println("(citations only)")
			} else {
				fmt.Println(answer.Text)
				fmt.Println()
			}
			for i, citation := range answer.Citations {
				printCitation(i+1, citation)
			}
			return nil
		},
	}
}

func printCitation(rank int, c types.Citation) {
	fmt.Printf("%2d. [%.3f] %s@%s %s:%d-%d\n", rank, c.Score, c.Repository, c.Branch, c.Path, c.StartLine, c.EndLine)
	snippet := c.Snippet
	if idx := strings.IndexByte(snippet, '\n'); idx >= 0 {
		snippet = snippet[:idx]
	}
	if len(snippet) > 120 {
		snippet = snippet[:120]
	}
	fmt.Printf("    %s\n", snippet)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "watch a working tree and keep its branch fresh",
		Flags: append(scopeFlags(),
			&cli.BoolFlag{Name: "default", Usage: "mark this branch as the repository default"},
			&cli.DurationFlag{Name: "debounce", Usage: "filesystem event debounce", Value: 2 * time.Second},
			&cli.DurationFlag{Name: "poll", Usage: "notification poll interval", Value: 5 * time.Second},
		),
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			key := scopeFromFlags(c)
			root := c.String("path")

			tracker := freshness.NewTracker(a.meta, a.cfg.Freshness, a.logger)
			if _, err := tracker.Observe(c.Context, key, c.Bool("default")); err != nil {
				return err
			}
			pipe, err := newPipeline(a, tracker)
			if err != nil {
				return err
			}

			intake := notify.NewIntake(a.meta, a.logger)
			runner := &pipelineRunner{pipe: pipe, root: root}
			processor := notify.NewProcessor(a.meta, tracker, tracker, runner, c.Duration("poll"), a.logger)
			scheduler := freshness.NewScheduler(a.meta, a.cfg.Freshness, nil, a.logger)
			watcher, err := notify.NewWatcher(intake, key, root, c.Duration("debounce"),
				a.cfg.Discovery.SkipDirs, a.logger)
			if err != nil {
				return err
			}

			// Seed the queue so a cold start indexes immediately.
			if _, _, err := intake.Receive(c.Context, notify.Event{
				Repository: key.Repository,
				Branch:     key.Branch,
				Source:     types.SourceManual,
			}); err != nil {
				return err
			}

			a.logger.Info("serving", "scope", key.String(), "root", root)
			g, ctx := errgroup.WithContext(c.Context)
			g.Go(func() error { return watcher.Run(ctx) })
			g.Go(func() error { return processor.Run(ctx) })
			g.Go(func() error { return scheduler.Run(ctx) })

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info("stopped")
			return nil
		},
	}
}

// pipelineRunner adapts the pipeline to the processor's Runner contract
// for a single working tree.
type pipelineRunner struct {
	pipe *indexer.Pipeline
	root string
}

func (r *pipelineRunner) Refresh(ctx context.Context, key types.RepoBranch, revision string) error {
	_, err := r.pipe.Run(ctx, r.root, key, revision)
	return err
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show tracked branches and their freshness",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo", Usage: "restrict to one repository"},
		},
		Action: func(c *cli.Context) error {
			a, err := buildApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			branches, err := a.meta.ListBranches(c.Context, c.String("repo"))
			if err != nil {
				return err
			}
			if len(branches) == 0 {
				fmt.Println("no branches tracked")
				return nil
			}

			for _, b := range branches {
				indexed := "never"
				if !b.LastIndexedAt.IsZero() {
					indexed = b.LastIndexedAt.Format(time.RFC3339)
				}
				marks := make([]string, 0, 2)
				if b.IsDefault {
					marks = append(marks, "default")
				}
				if !b.Tracked {
					marks = append(marks, "untracked")
				}
				suffix := ""
				if len(marks) > 0 {
					suffix = " (" + strings.Join(marks, ", ") + ")"
				}
				fmt.Printf("%-40s %-9s backlog=%-3d indexed=%s%s\n",
					b.Key().String(), b.Freshness, b.Backlog, indexed, suffix)
			}
			return nil
		},
	}
}
