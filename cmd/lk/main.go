package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"listkeeper/internal/config"
	"listkeeper/internal/db"
	"listkeeper/internal/domain"
	"listkeeper/internal/engine"
	"listkeeper/internal/logging"
	"listkeeper/internal/migrate"
	"listkeeper/internal/repo"
	"listkeeper/internal/server"
	"listkeeper/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "lk",
	Short: "Listkeeper CLI",
	Long: `Listkeeper keeps a property catalog clean.
It standardizes listings against a controlled vocabulary, validates field
sanity, detects seeded test listings, matches duplicates, and turns every
finding into a review candidate. Nothing touches the catalog until a
reviewer approves a candidate and an operator executes with --confirm.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("LISTKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("store", "sqlite", "property store backend (sqlite or postgres)")
	rootCmd.PersistentFlags().String("pg-dsn", "", "postgres DSN when --store=postgres")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("pg-dsn", rootCmd.PersistentFlags().Lookup("pg-dsn"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(candidatesCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(propertiesCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func loadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig(workspace)
	if err != nil {
		return err
	}

	var store storage.PropertyStore
	closeStore := func() {}
	switch viper.GetString("store") {
	case "", "sqlite":
		store = storage.NewSQLiteStore(conn)
	case "postgres":
		dsn := viper.GetString("pg-dsn")
		if dsn == "" {
			return fmt.Errorf("--pg-dsn (or LISTKEEPER_PG_DSN) is required for --store=postgres")
		}
		pg, err := storage.NewPostgresStore(ctx, dsn, "public")
		if err != nil {
			return err
		}
		store = pg
		closeStore = pg.Close
	default:
		return fmt.Errorf("unknown store %q", viper.GetString("store"))
	}
	defer closeStore()

	e := engine.New(conn, store, cfg, logging.New())
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withSQLiteStore(ctx context.Context, fn func(context.Context, *storage.SQLiteStore) error) error {
	if s := viper.GetString("store"); s != "" && s != "sqlite" {
		return fmt.Errorf("this command only supports the sqlite store")
	}
	workspace := viper.GetString("workspace")
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, storage.NewSQLiteStore(conn))
}

func runCmd() *cobra.Command {
	var since, city, state, source string
	var limit int
	var autoApply bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the cleaning pipeline",
		Long:  "Fetch the working set, standardize, validate, detect test listings, match duplicates, and create pending review candidates.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sum, err := e.RunCleaning(ctx, engine.RunOptions{
					Scope: storage.Filter{
						UpdatedSince: since,
						City:         city,
						State:        state,
						Source:       source,
						Limit:        limit,
					},
					AutoApply: autoApply,
					Actor:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only properties updated at or after this RFC3339 timestamp")
	cmd.Flags().StringVar(&city, "city", "", "restrict to one city")
	cmd.Flags().StringVar(&state, "state", "", "restrict to one state")
	cmd.Flags().StringVar(&source, "source", "", "restrict to one source broker")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the working set size")
	cmd.Flags().BoolVar(&autoApply, "auto-apply", false, "delete high-confidence test listings without review (requires auto_apply.enabled in config)")
	return cmd
}

func candidatesCmd() *cobra.Command {
	c := &cobra.Command{Use: "candidates", Short: "Review candidates"}
	c.AddCommand(candidatesListCmd())
	c.AddCommand(candidatesShowCmd())
	c.AddCommand(candidatesReviewCmd(true))
	c.AddCommand(candidatesReviewCmd(false))
	return c
}

func candidatesListCmd() *cobra.Command {
	var f repo.CandidateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCandidates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Review ID", "Type", "Primary", "Secondaries", "Action", "Status"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ReviewID, c.Type, c.PrimaryID, strings.Join(c.SecondaryIDs, ","), c.ProposedAction, c.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "filter by type (duplicate, test_property, invalid)")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status (pending, approved, disapproved, applied)")
	cmd.Flags().StringVar(&f.RunID, "run", "", "filter by run id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit results")
	return cmd
}

func candidatesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <review-id>",
		Short: "Show one candidate with its details payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCandidate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func candidatesReviewCmd(approve bool) *cobra.Command {
	use, short := "approve <review-id>", "Approve a pending candidate"
	if !approve {
		use, short = "disapprove <review-id>", "Disapprove a pending candidate"
	}
	var notes string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Review(ctx, args[0], approve, notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func actionsCmd() *cobra.Command {
	c := &cobra.Command{Use: "actions", Short: "Pending actions"}
	c.AddCommand(actionsPreviewCmd())
	return c
}

func actionsPreviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Dry-run preview of actions for approved candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.PlanActions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Review ID", "Operation", "Targets"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.ReviewID, a.Operation, strings.Join(a.TargetIDs, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func executeCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute actions for approved candidates",
		Long:  "Approval authorizes planning; --confirm authorizes mutation. Without --confirm this is a no-op that reports what would be skipped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actions, err := e.PlanActions(ctx)
				if err != nil {
					return err
				}
				res, err := e.Execute(ctx, actions, confirm, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually mutate the catalog")
	return cmd
}

func propertiesCmd() *cobra.Command {
	c := &cobra.Command{Use: "properties", Short: "Local property catalog"}
	c.AddCommand(propertiesListCmd())
	c.AddCommand(propertiesImportCmd())
	c.AddCommand(propertiesSeedDemoCmd())
	return c
}

func propertiesListCmd() *cobra.Command {
	var f storage.Filter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				props, err := e.Store.FetchProperties(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(props)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "City", "State", "Type", "Status", "Price", "Units"})
				for _, p := range props {
					price, units := "", ""
					if p.Price != nil {
						price = fmt.Sprintf("%.0f", *p.Price)
					}
					if p.Units != nil {
						units = fmt.Sprintf("%d", *p.Units)
					}
					tw.AppendRow(table.Row{p.ID, p.Name, p.City, p.State, p.PropertyType, p.Status, price, units})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.City, "city", "", "filter by city")
	cmd.Flags().StringVar(&f.State, "state", "", "filter by state")
	cmd.Flags().StringVar(&f.Source, "source", "", "filter by source broker")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "limit results")
	return cmd
}

func propertiesImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import properties from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var props []domain.PropertyRecord
			if err := json.Unmarshal(data, &props); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withSQLiteStore(cmd.Context(), func(ctx context.Context, s *storage.SQLiteStore) error {
				for _, p := range props {
					if p.ID == "" {
						return fmt.Errorf("property with empty id in %s", file)
					}
					if err := s.InsertProperty(ctx, p); err != nil {
						return fmt.Errorf("import %s: %w", p.ID, err)
					}
				}
				fmt.Printf("imported %d properties\n", len(props))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file containing an array of properties")
	return cmd
}

func propertiesSeedDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-demo",
		Short: "Seed a small demo catalog with duplicates and test listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSQLiteStore(cmd.Context(), func(ctx context.Context, s *storage.SQLiteStore) error {
				for _, p := range demoProperties() {
					if err := s.InsertProperty(ctx, p); err != nil {
						return fmt.Errorf("seed %s: %w", p.ID, err)
					}
				}
				fmt.Println("seeded demo catalog; try: lk run")
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show review store status counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Println("Candidates by status:")
				for status, n := range st.ByStatus {
					fmt.Printf("  %s: %d\n", status, n)
				}
				fmt.Println("Candidates by type:")
				for t, n := range st.ByType {
					fmt.Printf("  %s: %d\n", t, n)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Cleaning log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent cleaning log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				logs, err := r.ListCleaningLogs(ctx, limit, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for _, l := range logs {
					fmt.Printf("%s  %-20s  run=%s  %s\n", l.TS, l.Type, l.RunID, l.PayloadJSON)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Configuration"}
	c.AddCommand(configInitCmd())
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configInitCmd() *cobra.Command {
	var catalogID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(catalogID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogID, "catalog", "default", "catalog identifier")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Listkeeper API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8823", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
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

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

func demoProperties() []domain.PropertyRecord {
	return []domain.PropertyRecord{
		{ID: "prop-001", Name: "Oak Ridge Apartments", Street: "400 Oak St", City: "Austin", State: "TX", Zip: "78701",
			PropertyType: "Multifamily", Status: "Active", Price: fptr(2_000_000), Units: iptr(40), YearBuilt: iptr(1998),
			SourceBrokerID: "br-101"},
		{ID: "prop-002", Name: "Oak Ridge Apts", Street: "400 Oak Street", City: "Austin", State: "TX",
			PropertyType: "multi-family", Status: "active", Price: fptr(2_050_000), Units: iptr(41),
			SourceBrokerID: "br-202"},
		{ID: "prop-003", Name: "Cedar Flats", Street: "12 Cedar Ln", City: "Austin", State: "TX",
			PropertyType: "multifamily", Status: "Under Contract", Price: fptr(900_000), Units: iptr(12)},
		{ID: "prop-004", Name: "Test Property 123", Street: "123 Main St", City: "Austin", State: "TX",
			Price: fptr(1), Units: iptr(999)},
		{ID: "prop-005", Name: "Sunset Lofts", Street: "77 Sunset Blvd", City: "Dallas", State: "TX",
			PropertyType: "mixed use", Status: "Active", Price: fptr(-100), Units: iptr(44)},
	}
}
