package main

import (
	"PortfolioFederation/internal/model"
	"PortfolioFederation/internal/registry"
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/google/uuid"
)

type sourcesCmd struct {
	userID int64
}

func (*sourcesCmd) Name() string     { return "sources" }
func (*sourcesCmd) Synopsis() string { return "list a user's data sources" }
func (*sourcesCmd) Usage() string {
	return `sources -user <id>

  Lists every source of the user, highest precedence first.
`
}

func (c *sourcesCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "user id")
}

func (c *sourcesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		sources, err := a.sources.ListSources(ctx, c.userID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tNAME\tPRIORITY\tENABLED")
		for _, s := range sources {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%t\n", s.ID, s.Type, s.DisplayName, s.Priority, s.Enabled)
		}
		return w.Flush()
	})
}

type registerCmd struct {
	userID   int64
	typ      string
	name     string
	priority int
	config   kvFlag
}

func (*registerCmd) Name() string     { return "register" }
func (*registerCmd) Synopsis() string { return "register a new data source" }
func (*registerCmd) Usage() string {
	return `register -user <id> -type <ibkr_flex|kucoin|csv|manual> [-name <name>] [-priority <n>] [-config key=value ...]

Usage Examples:
$ federationctl register -user 1 -type ibkr_flex -config flex_token=abc -config flex_query_id=123
`
}

func (c *registerCmd) SetFlags(f *flag.FlagSet) {
	c.config = kvFlag{}
	f.Int64Var(&c.userID, "user", 0, "user id")
	f.StringVar(&c.typ, "type", "", "source type")
	f.StringVar(&c.name, "name", "", "display name, defaults to the type's name")
	f.IntVar(&c.priority, "priority", -1, "precedence, lower wins; defaults to the configured priority")
	f.Var(c.config, "config", "config entry key=value, repeatable")
}

func (c *registerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		req := registry.RegisterRequest{UserID: c.userID, Type: c.typ, DisplayName: c.name, Config: c.config}
		if c.priority >= 0 {
			req.Priority = &c.priority
		}
		src, err := a.sources.RegisterSource(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(src)
	})
}

type toggleCmd struct {
	enable   bool
	userID   int64
	sourceID int64
}

func (c *toggleCmd) Name() string {
	if c.enable {
		return "enable"
	}
	return "disable"
}

func (c *toggleCmd) Synopsis() string { return c.Name() + " a data source" }
func (c *toggleCmd) Usage() string {
	return c.Name() + " -user <id> -source <id>\n"
}

func (c *toggleCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "user id")
	f.Int64Var(&c.sourceID, "source", 0, "source id")
}

func (c *toggleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		toggle := a.sources.DisableSource
		if c.enable {
			toggle = a.sources.EnableSource
		}
		ok, err := toggle(ctx, c.sourceID, c.userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("source %d: %w", c.sourceID, model.ErrNotFound)
		}
		fmt.Printf("source %d %sd\n", c.sourceID, c.Name())
		return nil
	})
}

type syncCmd struct {
	userID      int64
	noReconcile bool
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "run a full sync for a user" }
func (*syncCmd) Usage() string {
	return `sync -user <id> [-no-reconcile]

  Fetches every enabled automatic source of the user, stages the data and,
  unless -no-reconcile is set, reconciles it into the canonical tables.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "user id")
	f.BoolVar(&c.noReconcile, "no-reconcile", false, "stage only")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		if c.noReconcile {
			res, err := a.orch.RunFullSync(ctx, c.userID, model.TriggerManual)
			if err != nil {
				return err
			}
			return printJSON(res)
		}
		out, err := a.sched.RunFullSyncWithReconciliation(ctx, c.userID, model.TriggerManual)
		if err != nil {
			return err
		}
		return printJSON(out)
	})
}

type reconcileCmd struct {
	userID int64
	runID  string
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "reconcile a staged run" }
func (*reconcileCmd) Usage() string {
	return `reconcile -user <id> -run <uuid>

  Reconciles a completed or partial run that has not been reconciled yet.
`
}

func (c *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "user id")
	f.StringVar(&c.runID, "run", "", "sync run id")
}

func (c *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		runID, err := uuid.Parse(c.runID)
		if err != nil {
			return fmt.Errorf("-run: %w", err)
		}
		summary, err := a.engine.RunReconciliation(ctx, runID, c.userID)
		if err != nil {
			return err
		}
		return printJSON(summary)
	})
}

type runsCmd struct {
	userID int64
	limit  int
}

func (*runsCmd) Name() string     { return "runs" }
func (*runsCmd) Synopsis() string { return "list a user's latest sync runs" }
func (*runsCmd) Usage() string {
	return "runs -user <id> [-limit <n>]\n"
}

func (c *runsCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "user id")
	f.IntVar(&c.limit, "limit", 20, "number of runs")
}

func (c *runsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		runs, err := a.orch.ListRuns(ctx, c.userID, c.limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tTRIGGER\tSTATUS\tSTARTED\tPROCESSED\tSKIPPED\tFAILED\tRECONCILED")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
				r.ID, r.Trigger, r.Status, r.StartedAt.Format(time.RFC3339),
				r.Stats.SourcesProcessed, r.Stats.SourcesSkipped, r.Stats.SourcesFailed, r.ReconciledAt != nil)
		}
		return w.Flush()
	})
}

type resetStaleCmd struct {
	olderThan time.Duration
}

func (*resetStaleCmd) Name() string     { return "reset-stale" }
func (*resetStaleCmd) Synopsis() string { return "fail runs stuck in queued or running" }
func (*resetStaleCmd) Usage() string {
	return `reset-stale [-older-than <duration>]

  Marks every queued or running run started before the cutoff as failed,
  releasing the concurrency guard of its user.
`
}

func (c *resetStaleCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.olderThan, "older-than", 2*time.Hour, "age after which an active run is stale")
}

func (c *resetStaleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		n, err := a.orch.ResetStaleRuns(ctx, c.olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("%d run(s) reset\n", n)
		return nil
	})
}

type positionsCmd struct {
	userID int64
}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "show a user's canonical positions" }
func (*positionsCmd) Usage() string {
	return "positions -user <id>\n"
}

func (c *positionsCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.userID, "user", 0, "user id")
}

func (c *positionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, func(a *app) error {
		if err := requireUser(c.userID); err != nil {
			return err
		}
		positions, err := a.store.ListPositions(ctx, c.userID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tQUANTITY\tAVG COST\tSOURCE\tUPDATED")
		for _, p := range positions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				p.Symbol, p.Quantity.String(), p.AvgCost.String(), p.Source, p.LastUpdated.Format(time.RFC3339))
		}
		return w.Flush()
	})
}
