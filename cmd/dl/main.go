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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"dossierline/internal/app"
	"dossierline/internal/circuit"
	"dossierline/internal/config"
	"dossierline/internal/db"
	"dossierline/internal/domain"
	"dossierline/internal/engine"
	"dossierline/internal/migrate"
	"dossierline/internal/repo"
	"dossierline/internal/server"
	"dossierline/internal/telemetry"
)

const version = "0.1.0"

var logger = slog.Default()

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dossierline CLI",
	Long: `Dossierline drives driving-permit dossiers through their approval circuit.
- Circuit: the ordered steps a request type goes through, each step listing the pieces it needs.
- Dossier: one candidate's case file, bound to a circuit by its request type.
- Documents: uploaded files matched to pieces; a reviewer validates or rejects them.
- Progress: which steps are complete, which one is actionable, and the case status.
- Exam: the "send for examination" step needs an exam session and passed results.
- Event log: every change, view it with 'dl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(viper.GetString("log-level"))
		slog.SetDefault(logger)
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := telemetry.Init(cmd.Context(), "dossierline", version); err != nil {
			logger.Warn("telemetry disabled", "err", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
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
	viper.SetEnvPrefix("DOSSIERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringSlice("role", nil, "actor role (repeatable)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func registerCommands() {
	rootCmd.AddCommand(circuitCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(dossierCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(examCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(serveCmd())
}

func circuitCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "circuit",
		Short: "Manage circuits",
		Long:  "A circuit is the ordered list of steps for one request type. Importing a circuit with an existing id or request type replaces it.",
	}
	c.AddCommand(circuitImportCmd())
	c.AddCommand(circuitListCmd())
	c.AddCommand(circuitShowCmd())
	return c
}

func circuitImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a circuit from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := circuit.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.ImportCircuit(ctx, c); err != nil {
					return err
				}
				stored, err := e.Repo.GetCircuit(ctx, c.ID)
				if err != nil {
					return err
				}
				return printCircuit(stored)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to circuit YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func circuitListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List circuits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCircuits(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Request type", "Label", "Active", "Steps"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.EntityName, c.Label, c.Active, len(c.Steps)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func circuitShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|request-type>",
		Short: "Show a circuit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCircuit(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					c, err = r.GetCircuitByKey(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printCircuit(c)
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	c := &cobra.Command{Use: "catalog", Short: "Manage the piece justification catalog"}
	c.AddCommand(catalogAddCmd())
	c.AddCommand(catalogListCmd())
	return c
}

func catalogAddCmd() *cobra.Command {
	var pj domain.PieceJustification
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a catalog entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertPieceJustification(ctx, pj); err != nil {
					return err
				}
				return printJSONOrTable(pj)
			})
		},
	}
	cmd.Flags().StringVar(&pj.ID, "id", "", "piece justification id")
	cmd.Flags().StringVar(&pj.Label, "label", "", "label")
	cmd.Flags().StringVar(&pj.DocumentTypeID, "document-type", "", "document type id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("document-type")
	return cmd
}

func catalogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPieceJustifications(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Label", "Document type"})
				for _, pj := range items {
					tw.AppendRow(table.Row{pj.ID, pj.Label, pj.DocumentTypeID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func dossierCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dossier",
		Short: "Manage dossiers",
		Long:  "A dossier follows the circuit of its request type. Progress is recomputed from step statuses, the completion cache and document validation.",
	}
	d.AddCommand(dossierCreateCmd())
	d.AddCommand(dossierListCmd())
	d.AddCommand(dossierShowCmd())
	d.AddCommand(dossierProgressCmd())
	d.AddCommand(dossierWatchCmd())
	return d
}

func dossierCreateCmd() *cobra.Command {
	var opts engine.DossierCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a dossier",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDossier(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "dossier id (random if omitted)")
	cmd.Flags().StringVar(&opts.RequestType, "request-type", "", "request type (circuit entity name)")
	cmd.Flags().StringVar(&opts.CandidateRef, "candidate", "", "candidate reference")
	_ = cmd.MarkFlagRequired("request-type")
	return cmd
}

func dossierListCmd() *cobra.Command {
	var f repo.DossierFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dossiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDossiers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Request type", "Status", "Candidate", "Updated"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.RequestType, colorCase(d.Status), d.CandidateRef, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RequestType, "request-type", "", "request type filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (not_started, in_progress, complete)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func dossierShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDossier(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func dossierProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Recompute and show step completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Recompute(ctx, args[0])
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}
}

func dossierWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a dossier's progress as events arrive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				go func() {
					if err := e.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("listener stopped", "err", err)
					}
				}()
				session := engine.NewSession(e)
				p, _, err := session.Select(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printProgress(p); err != nil {
					return err
				}
				cursor, err := e.Repo.LatestEventID(ctx)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					evts, err := e.Repo.EventsAfter(ctx, 100, cursor)
					if err != nil {
						return err
					}
					changed := false
					for _, evt := range evts {
						cursor = evt.ID
						if evt.DossierID == args[0] {
							changed = true
						}
					}
					if !changed {
						continue
					}
					p, applied, err := session.Refresh(ctx)
					if err != nil {
						logger.Warn("refresh failed", "dossier_id", args[0], "err", err)
						continue
					}
					if applied {
						if err := printProgress(p); err != nil {
							return err
						}
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func documentCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "document",
		Short: "Register and review documents",
		Long:  "Only document metadata is registered. A document counts towards a piece once validated, or when it is a simulated upload.",
	}
	d.AddCommand(documentAddCmd())
	d.AddCommand(documentValidateCmd())
	d.AddCommand(documentListCmd())
	return d
}

func documentAddCmd() *cobra.Command {
	var opts engine.DocumentRegisterOptions
	cmd := &cobra.Command{
		Use:   "add <dossier-id>",
		Short: "Register an uploaded document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.DossierID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.RegisterDocument(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "document id (random if omitted)")
	cmd.Flags().StringVar(&opts.Filename, "filename", "", "file name")
	cmd.Flags().StringVar(&opts.StepID, "step", "", "step the upload was made for")
	cmd.Flags().StringVar(&opts.PieceID, "piece", "", "piece the upload was made for")
	cmd.Flags().StringVar(&opts.PieceJustificationID, "piece-justification", "", "catalog piece justification id")
	cmd.Flags().StringVar(&opts.DocumentTypeID, "document-type", "", "document type id")
	cmd.Flags().BoolVar(&opts.Simulated, "simulated", false, "mark as a simulated upload")
	_ = cmd.MarkFlagRequired("filename")
	return cmd
}

func documentValidateCmd() *cobra.Command {
	var reject, clear bool
	cmd := &cobra.Command{
		Use:   "validate <document-id>",
		Short: "Accept, reject or clear the review of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reject && clear {
				return fmt.Errorf("--reject and --clear are exclusive")
			}
			var decision *bool
			if !clear {
				v := !reject
				decision = &v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.ValidateDocument(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the document")
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the review decision")
	return cmd
}

func documentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <dossier-id>",
		Short: "List a dossier's documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				docs, err := r.ListDocumentsForDossier(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "File", "Step", "Type", "Validated", "Simulated"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.Filename, deref(d.StepID), deref(d.DocumentTypeID), triState(d.Validated), triState(d.Simulated)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func stepCmd() *cobra.Command {
	s := &cobra.Command{Use: "step", Short: "Step transitions"}
	s.AddCommand(stepAdvanceCmd())
	return s
}

func stepAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <dossier-id> <step-id>",
		Short: "Complete a step and move the next one into progress",
		Long:  "The previous step must be complete, required pieces validated and, for the exam step, an exam session with passed results must exist.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Advance(ctx, engine.AdvanceOptions{
					DossierID: args[0],
					StepID:    args[1],
					ActorID:   viper.GetString("actor-id"),
					Roles:     viper.GetStringSlice("role"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Completed %s", res.CompletedStepID)
				if res.NextStepID != "" {
					fmt.Printf(", %s is now in progress", res.NextStepID)
				}
				fmt.Println()
				return printProgress(res.Progress)
			})
		},
	}
}

func examCmd() *cobra.Command {
	x := &cobra.Command{Use: "exam", Short: "Exam sessions and results"}
	x.AddCommand(examScheduleCmd())
	x.AddCommand(examResultCmd())
	x.AddCommand(examShowCmd())
	return x
}

func examScheduleCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "schedule <dossier-id>",
		Short: "Create the exam session of a dossier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ScheduleExam(ctx, args[0], date, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "exam date (YYYY-MM-DD, on a configured exam weekday)")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func examResultCmd() *cobra.Command {
	var category, outcome string
	cmd := &cobra.Command{
		Use:   "result <dossier-id>",
		Short: "Record the outcome of one exam category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.RecordExamResult(ctx, args[0], domain.ExamCategory(category), domain.ExamOutcome(outcome), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printExam(st)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "creneau, code or conduite")
	cmd.Flags().StringVar(&outcome, "outcome", "", "reussi, echoue, absent or non_saisi")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func examShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dossier-id>",
		Short: "Show the exam session and aggregated results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.ExamStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printExam(st)
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: dossiers created, documents uploaded and reviewed, steps completed, case status changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var dossierID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, dossierID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Dossier", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.DossierID, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&dossierID, "dossier", "", "dossier filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "dossierline.yml holds the status codes pushed on transitions, the label synonyms, exam markers and weekdays, the partner gateway and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default dossierline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
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
		Short: "Validate dossierline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for dl serve"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			secret := "dl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name, Roles: roles, KeyHash: repo.HashAPIKey(secret)}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": actor, "roles": roles, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&roles, "key-role", nil, "role granted to the key (repeatable)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the applied and latest schema versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			applied, latest, err := migrate.Version(cmd.Context(), ws.DB)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": db.Path(ws.Workspace), "applied": applied, "latest": latest})
			}
			fmt.Printf("%s: schema %d (latest %d)\n", db.Path(ws.Workspace), applied, latest)
			return nil
		},
	})
	return d
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacy || ws.Config.Server.AllowLegacyActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DOSSIERLINE_JWT_SECRET is required for bearer auth")
			}
			if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
				basePath = ws.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			go func() {
				if err := ws.Engine.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("recompute listener stopped", "err", err)
				}
			}()
			go server.NewWebhookDispatcher(ws.Engine.Repo, ws.Config.Webhooks, logger).Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Dossierline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ws, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine.Repo)
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	if isTTY() {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleLight)
		tw.Style().Options.DrawBorder = false
	}
	return tw
}

func colorState(s domain.StepState) string {
	if !isTTY() {
		return string(s)
	}
	switch s {
	case domain.StateCompleted:
		return text.FgGreen.Sprint(s)
	case domain.StateInProgress:
		return text.FgYellow.Sprint(s)
	}
	return text.FgHiBlack.Sprint(s)
}

func colorCase(s domain.CaseStatus) string {
	if !isTTY() {
		return string(s)
	}
	switch s {
	case domain.CaseComplete:
		return text.FgGreen.Sprint(s)
	case domain.CaseInProgress:
		return text.FgYellow.Sprint(s)
	}
	return string(s)
}

func printProgress(p domain.Progress) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("Dossier %s  %s  %d%%\n", p.DossierID, colorCase(p.Status), p.Percent)
	if p.CacheDegraded {
		fmt.Fprintln(os.Stderr, "warning: completion store unavailable, completion is kept in memory only")
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"", "Step", "Label", "State", "Reason", "Pieces"})
	for _, v := range p.Steps {
		marker := ""
		if v.Step.ID == p.CurrentStepID {
			marker = ">"
		}
		validated := 0
		for _, pv := range v.Pieces {
			if pv.Validated {
				validated++
			}
		}
		pieces := ""
		if len(v.Pieces) > 0 {
			pieces = fmt.Sprintf("%d/%d", validated, len(v.Pieces))
		}
		tw.AppendRow(table.Row{marker, v.Step.ID, v.Step.Label, colorState(v.State), v.Reason, pieces})
	}
	tw.Render()
	return nil
}

func printCircuit(c domain.Circuit) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("Circuit %s (%s) %s\n", c.ID, c.EntityName, c.Label)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Step", "Code", "Label", "Roles", "Pieces"})
	for i, s := range c.Steps {
		var pieces []string
		for _, p := range s.Pieces {
			tag := p.DocumentTypeID
			if p.Required {
				tag += "*"
			}
			pieces = append(pieces, tag)
		}
		tw.AppendRow(table.Row{i + 1, s.ID, s.Code, s.Label, strings.Join(s.Roles, ","), strings.Join(pieces, " ")})
	}
	tw.Render()
	return nil
}

func printExam(st engine.ExamState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	if st.Session != nil {
		fmt.Printf("Session %s on %s\n", st.Session.ID, st.Session.ExamDate)
	} else {
		fmt.Println("No exam session")
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Category", "Outcome"})
	for _, r := range st.Results {
		tw.AppendRow(table.Row{r.Category, r.Outcome})
	}
	tw.AppendFooter(table.Row{"overall", st.Outcome})
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func triState(b *bool) string {
	switch {
	case b == nil:
		return "-"
	case *b:
		return "yes"
	default:
		return "no"
	}
}
