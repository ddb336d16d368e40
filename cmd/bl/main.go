package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"boardline/internal/app"
	"boardline/internal/board"
	"boardline/internal/config"
	"boardline/internal/db"
	"boardline/internal/domain"
	"boardline/internal/engine"
	"boardline/internal/events"
	"boardline/internal/form"
	"boardline/internal/repo"
	"boardline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Boardline CLI",
	Long: `Boardline renders schema-driven forms and task boards on top of a
document platform, or on top of a local sqlite store for offline use.
- Schemas: document types and their fields, fetched once and cached.
- Forms: layouts, conditional visibility and validation computed from a schema.
- Boards: backlog, kanban, list and table views of a project's tasks.
- Cycles: time boxes a Scrum project plans, starts and completes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded on local changes")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(viper.GetString("workspace"))
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, app.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = events.WithActor(ctx, viper.GetString("actor-id"))
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(ctx context.Context, e engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine())
	})
}

func initCmd() *cobra.Command {
	var mode string
	var sample, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write boardline.yml and prepare the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(mode)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			if mode != config.ModeLocal {
				return nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					report repo.FixtureReport
					err    error
				)
				switch {
				case a.Config().Local.Fixtures != "":
					report, err = a.Local.LoadFixturesFile(ctx, a.Config().Local.Fixtures)
				case sample:
					var fx *repo.Fixtures
					if fx, err = repo.ParseFixtures(repo.SampleFixtures()); err == nil {
						report, err = a.Local.LoadFixtures(ctx, fx)
					}
				default:
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Loaded %d doctypes, created %d and updated %d documents\n", report.Doctypes, report.Created, report.Updated)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", config.ModeLocal, "gateway mode (local or remote)")
	cmd.Flags().BoolVar(&sample, "sample", false, "seed the local store with sample projects")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate boardline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func schemaCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schema", Short: "Inspect document type schemas"}
	sc.AddCommand(&cobra.Command{
		Use:   "show <doctype>",
		Short: "Show the fields of a document type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dt, err := a.Schemas.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dt)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Field", "Label", "Type", "Options", "Required"})
				for _, f := range dt.Fields {
					tw.AppendRow(table.Row{f.Name, f.Label, f.Type, strings.Join(f.OptionList(), ", "), f.Required})
				}
				tw.Render()
				return nil
			})
		},
	})
	var attribute string
	field := &cobra.Command{
		Use:   "field <doctype> <field>",
		Short: "Show one field definition or attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Schemas.Field(ctx, args[0], args[1], attribute)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	field.Flags().StringVar(&attribute, "attribute", "", "attribute to return (e.g. options, reqd)")
	sc.AddCommand(field)
	return sc
}

// parseSets turns repeated key=value flags into form values.
func parseSets(sets []string) (map[string]any, error) {
	out := map[string]any{}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q, want key=value", s)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func formCmd() *cobra.Command {
	fc := &cobra.Command{Use: "form", Short: "Render and submit schema-driven forms"}

	var sets []string
	var quick, readOnly bool
	render := &cobra.Command{
		Use:   "render <doctype>",
		Short: "Show a form's layout and visible fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dt, err := a.Schemas.Get(ctx, args[0])
				if err != nil {
					return err
				}
				f, err := form.Build(dt, values, form.Options{QuickEntry: quick, ReadOnly: readOnly})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(f.Layout)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Field", "Label", "Kind", "Value"})
				visible := map[string]bool{}
				for _, name := range f.Visible() {
					visible[name] = true
				}
				for _, n := range f.Nodes() {
					def := n.Definition()
					if !visible[def.Name] {
						continue
					}
					tw.AppendRow(table.Row{def.Name, def.Label, form.WidgetFor(def).Kind(), form.Preview(n)})
				}
				tw.Render()
				return nil
			})
		},
	}
	render.Flags().StringArrayVar(&sets, "set", nil, "field value as key=value (repeatable)")
	render.Flags().BoolVar(&quick, "quick", false, "quick entry layout")
	render.Flags().BoolVar(&readOnly, "read-only", false, "render every field read only")
	fc.AddCommand(render)

	var submitSets []string
	var name string
	submit := &cobra.Command{
		Use:   "submit <doctype>",
		Short: "Validate values and create or update a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseSets(submitSets)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dt, err := a.Schemas.Get(ctx, args[0])
				if err != nil {
					return err
				}
				f, err := form.Build(dt, values, form.Options{})
				if err != nil {
					return err
				}
				payload, err := f.Submit()
				if err != nil {
					return err
				}
				var doc domain.Document
				if name != "" {
					doc, err = a.Gateway.UpdateDocument(ctx, args[0], name, payload)
				} else {
					doc, err = a.Gateway.CreateDocument(ctx, args[0], payload)
				}
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
	submit.Flags().StringArrayVar(&submitSets, "set", nil, "field value as key=value (repeatable)")
	submit.Flags().StringVar(&name, "name", "", "update this document instead of creating one")
	fc.AddCommand(submit)
	return fc
}

type viewFlags struct {
	view    string
	groupBy string
}

func (v *viewFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&v.view, "view", "kanban", "board view (backlog, kanban, list, table)")
	cmd.Flags().StringVar(&v.groupBy, "group-by", "", "field a list view groups by")
}

func (v viewFlags) open(ctx context.Context, e engine.Engine, project string) (*board.Board, error) {
	switch v.view {
	case "backlog":
		return e.Backlog(ctx, project)
	case "kanban":
		return e.Kanban(ctx, project)
	case "list":
		return e.List(ctx, project, v.groupBy)
	case "table":
		return e.Table(ctx, project)
	}
	return nil, fmt.Errorf("unknown view %q", v.view)
}

func boardCmd() *cobra.Command {
	bc := &cobra.Command{Use: "board", Short: "Show and edit project boards"}

	var vf viewFlags
	var filter board.Filter
	var statuses, priorities []string
	show := &cobra.Command{
		Use:   "show <project>",
		Short: "Show a grouped view of a project's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := vf.open(ctx, e, args[0])
				if err != nil {
					return err
				}
				filter.Statuses, filter.Priorities = statuses, priorities
				b.SetFilter(filter)
				view := b.Snapshot()
				if viper.GetBool("json") {
					return printJSON(view)
				}
				renderView(view)
				return nil
			})
		},
	}
	vf.bind(show)
	show.Flags().StringVar(&filter.Search, "search", "", "match subject or id")
	show.Flags().StringSliceVar(&statuses, "status", nil, "status filter")
	show.Flags().StringSliceVar(&priorities, "priority", nil, "priority filter")
	bc.AddCommand(show)

	var wf viewFlags
	watch := &cobra.Command{
		Use:   "watch <project>",
		Short: "Redraw a board whenever its tasks change",
		Long:  "Changes made by other processes are only seen when realtime.nats_url is configured.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := wf.open(ctx, e, args[0])
				if err != nil {
					return err
				}
				b.OnChange = func(v board.View) {
					if viper.GetBool("json") {
						_ = printJSON(v)
						return
					}
					renderView(v)
				}
				if err := b.Watch(); err != nil {
					return err
				}
				defer b.Close()
				b.OnChange(b.Snapshot())
				<-ctx.Done()
				return nil
			})
		},
	}
	wf.bind(watch)
	bc.AddCommand(watch)

	var mf viewFlags
	move := &cobra.Command{
		Use:   "move <project> <item> <group-or-item>",
		Short: "Drop an item onto another group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := mf.open(ctx, e, args[0])
				if err != nil {
					return err
				}
				res, err := b.Drop(ctx, args[1], args[2])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s (%s)\n", res.Item, res.From, res.To, res.Outcome)
				return nil
			})
		},
	}
	mf.bind(move)
	bc.AddCommand(move)

	var cf viewFlags
	var sets []string
	create := &cobra.Command{
		Use:   "create <project> <group>",
		Short: "Create a task inside a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseSets(sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := cf.open(ctx, e, args[0])
				if err != nil {
					return err
				}
				doc, err := b.CreateInGroup(ctx, args[1], fields)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(doc)
				}
				fmt.Printf("Created %s\n", doc.Name())
				return nil
			})
		},
	}
	cf.bind(create)
	create.Flags().StringArrayVar(&sets, "set", nil, "field value as key=value (repeatable)")
	bc.AddCommand(create)
	return bc
}

func renderView(v board.View) {
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s by %s", v.Doctype, v.Field))
	tw.AppendHeader(table.Row{"Group", "ID", "Subject", "Status", "Priority", "Assignee"})
	for i, g := range v.Groups {
		if i > 0 {
			tw.AppendSeparator()
		}
		label := fmt.Sprintf("%s (%d)", g.Label, len(g.Items))
		if len(g.Items) == 0 {
			tw.AppendRow(table.Row{label})
			continue
		}
		for j, it := range g.Items {
			if j > 0 {
				label = ""
			}
			tw.AppendRow(table.Row{label, it.ID, it.Text("subject"), it.Text("status"), it.Text("priority"), it.Text("assignee")})
		}
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d items", v.Total), fmt.Sprintf("%d hidden", v.Omitted)})
	tw.Render()
}

func itemsCmd() *cobra.Command {
	ic := &cobra.Command{Use: "items", Short: "Edit tasks in bulk"}

	var assignee, priority string
	update := &cobra.Command{
		Use:   "bulk-update <project> <name>...",
		Short: "Set assignee and/or priority on many tasks",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch board.BulkPatch
			if cmd.Flags().Changed("assignee") {
				patch.Assignee = &assignee
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Table(ctx, args[0])
				if err != nil {
					return err
				}
				b.Select(args[1:]...)
				n, err := b.BulkUpdate(ctx, patch)
				if err != nil {
					return err
				}
				fmt.Printf("Updated %d tasks\n", n)
				return nil
			})
		},
	}
	update.Flags().StringVar(&assignee, "assignee", "", "new assignee")
	update.Flags().StringVar(&priority, "priority", "", "new priority")
	ic.AddCommand(update)

	ic.AddCommand(&cobra.Command{
		Use:   "bulk-delete <project> <name>...",
		Short: "Delete many tasks",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Table(ctx, args[0])
				if err != nil {
					return err
				}
				b.Select(args[1:]...)
				n, err := b.BulkDelete(ctx)
				fmt.Printf("Deleted %d tasks\n", n)
				return err
			})
		},
	})

	ic.AddCommand(&cobra.Command{
		Use:   "set <name> <field> <value>",
		Short: "Edit one field of a task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.UpdateField(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	})
	return ic
}

func cycleCmd() *cobra.Command {
	cc := &cobra.Command{Use: "cycle", Short: "Plan, start and complete cycles"}

	var statuses []string
	list := &cobra.Command{
		Use:   "list <project>",
		Short: "List a project's cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Cycles(ctx, args[0], statuses...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Start", "End"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.Name, c.Title, c.Status, c.StartDate, c.EndDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&statuses, "status", nil, "status filter")
	cc.AddCommand(list)

	var nc engine.NewCycle
	create := &cobra.Command{
		Use:   "create <project>",
		Short: "Plan a new cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nc.Project = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCycle(ctx, nc)
				if err != nil {
					return err
				}
				return printCycle(c)
			})
		},
	}
	create.Flags().StringVar(&nc.Title, "title", "", "cycle title")
	create.Flags().StringVar(&nc.StartDate, "start", "", "start date (YYYY-MM-DD)")
	create.Flags().StringVar(&nc.EndDate, "end", "", "end date (YYYY-MM-DD)")
	create.Flags().StringVar(&nc.Goal, "goal", "", "cycle goal")
	cc.AddCommand(create)

	var start, end string
	var weeks int
	startCmd := &cobra.Command{
		Use:   "start <cycle>",
		Short: "Start a planned cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, t := start, end
				if weeks > 0 {
					if s == "" {
						c, err := e.Cycle(ctx, args[0])
						if err != nil {
							return err
						}
						s = c.StartDate
					}
					if s == "" {
						s = e.Today()
					}
					var err error
					if t, err = engine.PresetEnd(s, weeks); err != nil {
						return err
					}
				}
				c, err := e.StartCycle(ctx, args[0], s, t)
				if err != nil {
					return err
				}
				return printCycle(c)
			})
		},
	}
	startCmd.Flags().StringVar(&start, "start", "", "start date (defaults to the cycle's, then today)")
	startCmd.Flags().StringVar(&end, "end", "", "end date")
	startCmd.Flags().IntVar(&weeks, "weeks", 0, "duration preset in weeks (1, 2 or 3)")
	cc.AddCommand(startCmd)

	var opts engine.CompleteOptions
	complete := &cobra.Command{
		Use:   "complete <cycle>",
		Short: "Complete an active cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CompleteCycle(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				dest := "backlog"
				if res.MoveTo != "" {
					dest = res.MoveTo
				}
				fmt.Printf("Completed %s; %d open tasks moved to %s\n", res.Cycle.Label(), res.Open, dest)
				return nil
			})
		},
	}
	complete.Flags().StringVar(&opts.MoveTo, "move-to", "", "cycle that receives open tasks")
	complete.Flags().BoolVar(&opts.ToBacklog, "backlog", false, "send open tasks to the backlog")
	cc.AddCommand(complete)

	cc.AddCommand(&cobra.Command{
		Use:   "delete <cycle>",
		Short: "Delete a cycle that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteCycle(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	})
	return cc
}

func printCycle(c domain.Cycle) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("%s %s [%s] %s..%s\n", c.Name, c.Title, c.Status, c.StartDate, c.EndDate)
	return nil
}

func eventsCmd() *cobra.Command {
	ec := &cobra.Command{Use: "events", Short: "Read the local change log"}
	var n int
	var doctype, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Local == nil {
					return errors.New("events are only recorded in local mode")
				}
				items, err := a.Local.LatestEvents(ctx, n, doctype, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Doctype", "Name", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Doctype, e.Docname, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	tail.Flags().StringVar(&doctype, "doctype", "", "only this document type")
	tail.Flags().StringVar(&evtType, "type", "", "only this event type")
	ec.AddCommand(tail)
	return ec
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			logger := slog.Default()
			a, err := app.Open(cmd.Context(), workspace, cfg, app.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: allowActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("BOARDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if watch {
				g.Go(func() error {
					return config.Watch(ctx, config.Path(workspace), logger, a.Reload)
				})
			}
			g.Go(func() error {
				logger.Info("serving boardline api", "addr", addr, "base_path", basePath, "mode", cfg.Gateway.Mode)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor-Id header without a token")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload board settings when boardline.yml changes")
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
