package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"leadez/internal/app"
	"leadez/internal/config"
	"leadez/internal/db"
	"leadez/internal/delivery"
	"leadez/internal/domain"
	"leadez/internal/events"
	"leadez/internal/logging"
	"leadez/internal/mcpserver"
	"leadez/internal/migrate"
	"leadez/internal/repo"
	"leadez/internal/server"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "lz",
	Short: "Leadez CLI",
	Long: `Leadez runs a sales outreach pipeline over a local workspace.
- Workspace: a directory holding leadez.yml and the .leadez database of leads, messages, runs and events.
- Decision engine: reads lead and message counts and picks the next action (send, review, generate, enrich, wait).
- Delivery queue: stages approved messages, sends them under a per-minute rate limit, retries failures and buffers store updates.
- Orchestration loop: snapshot, decide, execute, record; once with 'lz cycle' or on an interval with 'lz run'.
- Surfaces: an HTTP API ('lz serve') and MCP tools over stdio ('lz mcp').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADEZ")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(leadsCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create leadez.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Apply(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": cfgPath, "database": db.Path(workspace), "schema_version": n})
			}
			fmt.Printf("Wrote %s\nDatabase %s (schema version %d)\n", cfgPath, db.Path(workspace), n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "leadez.yml holds the queue, decision thresholds, sender, collaborator tools, server and logging options. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate leadez.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline counts and the next decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				snap, err := svc.Snapshot(ctx)
				if err != nil {
					return err
				}
				d := svc.Engine.Decide(snap)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"snapshot":       snap,
						"inventory":      snap.Inventory(),
						"total_leads":    snap.TotalLeads(),
						"total_messages": snap.TotalMessages(),
						"decision":       d,
					})
				}
				fmt.Printf("Leads (%d):\n", snap.TotalLeads())
				for _, s := range domain.LeadStatuses {
					fmt.Printf("  %s: %d\n", s, snap.Leads[s])
				}
				fmt.Printf("  enriched qualified: %d (below threshold: %d)\n", snap.EnrichedQualified, snap.EnrichedBelow)
				fmt.Printf("Messages (%d):\n", snap.TotalMessages())
				for _, s := range domain.MessageStatuses {
					fmt.Printf("  %s: %d\n", s, snap.Messages[s])
				}
				fmt.Printf("Inventory: %d\n", snap.Inventory())
				fmt.Printf("Next action: %s (%s)\n", d.Action, d.Reason)
				return nil
			})
		},
	}
}

func leadsCmd() *cobra.Command {
	leads := &cobra.Command{Use: "leads", Short: "Manage leads"}
	leads.AddCommand(leadsListCmd())
	leads.AddCommand(leadsImportCmd())
	return leads
}

func leadsListCmd() *cobra.Command {
	var f repo.LeadFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if status != "" {
					s, err := domain.ParseLeadStatus(status)
					if err != nil {
						return err
					}
					f.Status = s
				}
				items, total, err := svc.Repo.ListLeads(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Company", "Status", "Score", "Priority"})
				for _, l := range items {
					score := ""
					if l.ConfidenceScore != nil {
						score = fmt.Sprint(*l.ConfidenceScore)
					}
					tw.AppendRow(table.Row{l.ID, l.FullName, l.CompanyName, l.Status, score, app.LeadPriority(l)})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "total", total})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SortBy, "sort-by", "created_at", "created_at, updated_at, confidence_score or full_name")
	cmd.Flags().StringVar(&f.SortOrder, "sort-order", "desc", "asc or desc")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum leads")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "offset")
	return cmd
}

func leadsImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import leads from a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Lead
			if err := readJSONFile(file, &items); err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				n, err := svc.Repo.InsertLeads(ctx, items)
				if err != nil {
					return err
				}
				if err := svc.Events.Append(ctx, nil, events.TypeLeadsCreated, "lead", "", viper.GetString("actor-id"), events.Payload{"inserted": n, "source": file}); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"inserted": n, "skipped": len(items) - n})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON array of leads")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func messagesCmd() *cobra.Command {
	msgs := &cobra.Command{Use: "messages", Short: "Manage outreach messages"}
	msgs.AddCommand(messagesListCmd())
	msgs.AddCommand(messagesImportCmd())
	msgs.AddCommand(messagesReviewCmd())
	return msgs
}

func messagesListCmd() *cobra.Command {
	var f repo.MessageFilter
	var status, channel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				f.Status = domain.MessageStatus(status)
				f.Channel = domain.Channel(channel)
				items, err := svc.Repo.ListMessages(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Channel", "Variant", "Status", "Retries", "Error"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.LeadID, m.Channel, m.Variant, m.Status, m.RetryCount, m.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&channel, "channel", "", "channel filter")
	cmd.Flags().StringVar(&f.LeadID, "lead-id", "", "lead filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum messages")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "offset")
	return cmd
}

func messagesImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import messages from a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Message
			if err := readJSONFile(file, &items); err != nil {
				return err
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				n, err := svc.Repo.InsertMessages(ctx, items)
				if err != nil {
					return err
				}
				if err := svc.Events.Append(ctx, nil, events.TypeMessages, "message", "", viper.GetString("actor-id"), events.Payload{"inserted": n, "source": file}); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"inserted": n, "skipped": len(items) - n})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a JSON array of messages")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func messagesReviewCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "review <message-id>",
		Short: "Approve or reject a pending message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseMessageStatus(status)
			if err != nil || (to != domain.MessageApproved && to != domain.MessageRejected) {
				return fmt.Errorf("--status must be APPROVED or REJECTED")
			}
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if err := svc.Repo.SetMessageStatus(ctx, args[0], domain.MessagePending, to); err != nil {
					return err
				}
				if err := svc.Events.Append(ctx, nil, events.TypeReview, "message", args[0], viper.GetString("actor-id"), events.Payload{"status": string(to)}); err != nil {
					return err
				}
				m, err := svc.Repo.GetMessage(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "APPROVED", "APPROVED or REJECTED")
	return cmd
}

func decideCmd() *cobra.Command {
	var perLead bool
	var leadStatus string
	var limit int
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Decide the next pipeline action without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if !perLead {
					snap, err := svc.Snapshot(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(svc.Engine.Decide(snap))
				}
				items, err := svc.DecideLeads(ctx, domain.LeadStatus(leadStatus), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Lead", "Status", "Priority", "Action", "Reason"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.LeadID, it.Status, it.Priority, it.Decision.Action, it.Decision.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&perLead, "per-lead", false, "decide for each lead, highest priority first")
	cmd.Flags().StringVar(&leadStatus, "lead-status", "", "per-lead mode status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "per-lead mode maximum leads")
	return cmd
}

func sendCmd() *cobra.Command {
	var status, channel string
	var limit, maxDispatch int
	var o app.QueueOverrides
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Fetch and send approved messages under the rate limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				host := app.NewHost(svc)
				f := delivery.Filter{Status: domain.MessageStatus(status), Channel: domain.Channel(channel), Limit: limit}
				if _, _, err := host.Fetch(ctx, f, o); err != nil {
					return err
				}
				summary, err := host.Process(ctx, dryRun(cmd, svc.Config), maxDispatch)
				if err != nil {
					return err
				}
				return printSummary(summary)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "message status to send (default APPROVED)")
	cmd.Flags().StringVar(&channel, "channel", "", "only this channel")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the first fetch")
	cmd.Flags().IntVar(&maxDispatch, "max-dispatch", 0, "stop after this many sends (0 is unbounded)")
	cmd.Flags().IntVar(&o.BatchSize, "batch-size", 0, "override pipeline.batch_size")
	cmd.Flags().IntVar(&o.MaxPerMinute, "max-per-minute", 0, "override pipeline.max_per_minute")
	cmd.Flags().IntVar(&o.MinThreshold, "min-threshold", 0, "override pipeline.min_threshold")
	cmd.Flags().IntVar(&o.MaxRetries, "max-retries", 0, "override pipeline.max_retries")
	addDryRunFlag(cmd)
	return cmd
}

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one snapshot, decide, execute and record cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				loop, err := svc.Loop(dryRun(cmd, svc.Config))
				if err != nil {
					return err
				}
				out, err := loop.Cycle(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(out); perr != nil {
						return perr
					}
					return err
				}
				fmt.Printf("Action: %s (%s)\nStatus: %s\n", out.Action, out.Decision.Reason, out.Status)
				if out.Summary != nil {
					fmt.Printf("Sent: %d  Failed: %d  Remaining: %d\n", out.Summary.Sent, out.Summary.Failed, out.Summary.Remaining)
				}
				if out.RunID != "" {
					fmt.Printf("Run: %s\n", out.RunID)
				}
				return err
			})
		},
	}
	addDryRunFlag(cmd)
	return cmd
}

func runCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run orchestration cycles until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				loop, err := svc.Loop(dryRun(cmd, svc.Config))
				if err != nil {
					return err
				}
				if interval == 0 {
					interval = svc.Config.Pipeline.CycleInterval.Std()
				}
				svc.Logger.Info("orchestration loop started", "interval", interval, "dry_run", dryRun(cmd, svc.Config))
				return ignoreCanceled(loop.Run(ctx, interval))
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between cycles (default pipeline.cycle_interval)")
	addDryRunFlag(cmd)
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Recorded pipeline cycles"}
	var action string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				var filter domain.Action
				if action != "" {
					a, err := domain.ParseAction(action)
					if err != nil {
						return err
					}
					filter = a
				}
				items, err := svc.Repo.ListRuns(ctx, filter, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Status", "Sent", "Failed", "Started", "Error"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Action, r.Status, r.Sent, r.Failed, r.StartedAt, r.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&action, "action", "", "action filter")
	list.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	runs.AddCommand(list)
	return runs
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Append-only record of cycles, queue runs, reviews, imports and API keys.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
		Long:  "API keys authenticate X-Api-Key requests. Scopes are the permissions the key grants; '*' grants all.",
	}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyRevokeCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				actor := viper.GetString("actor-id")
				key := "lz_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				rec := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name, KeyHash: repo.HashAPIKey(key), Scopes: scopes}
				tx, err := svc.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := svc.Repo.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := svc.Events.Append(ctx, tx, events.TypeAPIKey, "api_key", rec.ID, actor, events.Payload{"name": name, "scopes": scopes}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": rec.ID, "actor_id": actor, "key": key, "scopes": scopes})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{server.PermRead}, "permission granted (repeatable)")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				items, err := svc.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Scopes", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Scopes, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if err := svc.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withLoop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				if addr == "" {
					addr = svc.Config.Server.Addr
				}
				if basePath == "" {
					basePath = svc.Config.Server.BasePath
				}
				host := app.NewHost(svc)
				handler, err := server.New(server.Config{
					Host:     host,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret: svc.Config.Server.JWTSecret,
						DevLogin:  svc.Config.Server.DevLogin,
						Logger:    svc.Logger.With("component", "auth"),
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					svc.Logger.Info("serving leadez api", "addr", addr, "base_path", basePath, "openapi", path.Join(basePath, "openapi.json"), "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				if withLoop {
					g.Go(func() error {
						interval := svc.Config.Pipeline.CycleInterval.Std()
						err := host.Run(gctx, dryRun(cmd, svc.Config), interval)
						return ignoreCanceled(err)
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&withLoop, "with-loop", false, "also run orchestration cycles on pipeline.cycle_interval")
	addDryRunFlag(cmd)
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, svc *app.Services) error {
				s := mcpserver.New(app.NewHost(svc), version)
				svc.Logger.Info("mcp server listening on stdio")
				return mcpserver.Serve(ctx, s, os.Stdin, os.Stdout)
			})
		},
	}
}

// --- helpers ---

func withServices(ctx context.Context, fn func(context.Context, *app.Services) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if v := viper.GetString("log-level"); v != "" {
		level = v
	}
	logger := logging.New(level, cfg.Logging.Format)
	svc, err := app.Open(ctx, workspace, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func addDryRunFlag(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", false, "count sends without delivering or writing (default pipeline.dry_run)")
}

// dryRun resolves --dry-run, then LEADEZ_DRY_RUN, then pipeline.dry_run.
func dryRun(cmd *cobra.Command, cfg *config.Config) bool {
	if cmd.Flags().Changed("dry-run") {
		v, _ := cmd.Flags().GetBool("dry-run")
		return v
	}
	if viper.IsSet("dry_run") {
		return viper.GetBool("dry_run")
	}
	return cfg.Pipeline.DryRun
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printSummary(s delivery.Summary) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Sent", "Failed", "Skipped", "Retried", "Remaining", "Stale", "Flushed", "Dry run", "Elapsed"})
	tw.AppendRow(table.Row{s.Sent, s.Failed, s.Skipped, s.Retried, s.Remaining, s.Stale, s.Flushed, s.DryRun, time.Duration(s.ElapsedMS) * time.Millisecond})
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
