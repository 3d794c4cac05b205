package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowlens/internal/config"
	"flowlens/internal/db"
	"flowlens/internal/export"
	"flowlens/internal/migrate"
	"flowlens/internal/pce"
	"flowlens/internal/server"
	"flowlens/internal/store"
	"flowlens/internal/traffic"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowlens CLI",
	Long: `Flowlens drives asynchronous traffic-flow queries against a policy
console and keeps the results in a workspace-local SQLite database.

Typical flow:
- fl init                      write a starter flowlens.yml
- fl connection test           verify console credentials
- fl analyze --days 7          submit a query, poll it, store the flows
- fl query list / show / flows inspect stored results
- fl export <id> --format csv  hand the flows to a spreadsheet
- fl serve                     expose the database read-only over HTTP`,
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
	viper.SetEnvPrefix("FLOWLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var pceURL, orgID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter flowlens.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(pceURL, orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&pceURL, "pce-url", "https://pce.example.com:8443", "policy console URL")
	cmd.Flags().StringVar(&orgID, "org-id", "1", "organization id")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var name, file, srcIP, dstIP, output, format string
	var days, maxResults, proto, port int
	var noStore, noDeep bool
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a traffic analysis end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateRemote(); err != nil {
				return err
			}
			if name == "" {
				name = fmt.Sprintf("analysis-%s", time.Now().UTC().Format("20060102-150405"))
			}
			if maxResults <= 0 {
				maxResults = cfg.Analysis.MaxResults
			}

			var query pce.TrafficQuery
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &query); err != nil {
					return fmt.Errorf("invalid query file %s: %w", file, err)
				}
				if query.QueryName == "" {
					query.QueryName = name
				}
			case srcIP != "" || dstIP != "":
				query = traffic.FlowQuery(name, srcIP, dstIP, proto, port, days, maxResults, time.Now())
			default:
				query = traffic.DefaultQuery(name, days, maxResults, time.Now())
			}

			run := func(ctx context.Context, st *store.Store) error {
				a := newAnalyzer(cfg, st)
				if noDeep {
					a.DeepAnalysis = false
				}
				res, err := a.Run(ctx, name, query)
				if err != nil {
					return err
				}
				if res.RulesError != "" {
					fmt.Printf("warning: rule analysis failed: %s\n", res.RulesError)
				}
				fmt.Println(res.Summary)
				if output != "" {
					if err := export.ToFile(output, format, res.Flows); err != nil {
						return err
					}
					fmt.Printf("wrote %d flows to %s\n", len(res.Flows), output)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				return nil
			}

			if noStore {
				return run(cmd.Context(), nil)
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				return run(ctx, st)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "query name")
	cmd.Flags().StringVar(&file, "file", "", "JSON file with a full query definition")
	cmd.Flags().IntVar(&days, "days", 7, "look-back window in days")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "result cap (defaults from config)")
	cmd.Flags().StringVar(&srcIP, "src", "", "source IP filter")
	cmd.Flags().StringVar(&dstIP, "dst", "", "destination IP filter")
	cmd.Flags().IntVar(&proto, "proto", 0, "IP protocol number filter")
	cmd.Flags().IntVar(&port, "port", 0, "destination port filter")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "skip the local database")
	cmd.Flags().BoolVar(&noDeep, "no-deep", false, "skip deep rule analysis")
	cmd.Flags().StringVar(&output, "output", "", "also export flows to this file")
	cmd.Flags().StringVar(&format, "format", "", "export format (csv or json)")
	return cmd
}

func queryCmd() *cobra.Command {
	q := &cobra.Command{Use: "query", Short: "Inspect stored traffic queries"}
	q.AddCommand(queryListCmd())
	q.AddCommand(queryShowCmd())
	q.AddCommand(queryFlowsCmd())
	q.AddCommand(queryDeleteCmd())
	return q
}

func queryListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				items, err := st.ListQueries(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Rules", "Created", "Completed"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Name, item.Status, deref(item.RulesStatus), item.CreatedAt, deref(item.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func queryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one stored query with its flow stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				q, err := st.GetQuery(ctx, args[0])
				if err != nil {
					return err
				}
				stats, err := st.FlowStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"query": q, "stats": stats})
			})
		},
	}
	return cmd
}

func queryFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows <id>",
		Short: "List the stored flows of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if _, err := st.GetQuery(ctx, args[0]); err != nil {
					return err
				}
				flows, err := st.ListFlows(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Source", "Destination", "Service", "Decision", "Connections", "Rule"})
				for _, f := range flows {
					src := f.SrcIP
					if f.SrcWorkload != nil {
						src = fmt.Sprintf("%s (%s)", f.SrcIP, *f.SrcWorkload)
					}
					dst := f.DstIP
					if f.DstWorkload != nil {
						dst = fmt.Sprintf("%s (%s)", f.DstIP, *f.DstWorkload)
					}
					conns := ""
					if f.NumConnections != nil {
						conns = fmt.Sprintf("%d", *f.NumConnections)
					}
					tw.AppendRow(table.Row{src, dst, deref(f.Service), f.PolicyDecision, conns, deref(f.RuleName)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func queryDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored query and its flows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if err := st.DeleteQuery(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func opCmd() *cobra.Command {
	op := &cobra.Command{Use: "op", Short: "Inspect the async operation ledger"}
	op.AddCommand(opListCmd())
	op.AddCommand(opCleanupCmd())
	return op
}

func opListCmd() *cobra.Command {
	var kind, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				items, err := st.ListOperations(ctx, store.OperationFilter{Kind: kind, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Created", "Completed", "Error"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Kind, item.Status, item.CreatedAt, deref(item.CompletedAt), deref(item.ErrorMessage)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func opCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished operations older than N days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				removed, err := st.CleanupOperations(ctx, time.Now().AddDate(0, 0, -days))
				if err != nil {
					return err
				}
				fmt.Printf("removed %d operations\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention in days")
	return cmd
}

func exportCmd() *cobra.Command {
	var output, format string
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export the stored flows of a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = args[0] + ".csv"
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if _, err := st.GetQuery(ctx, args[0]); err != nil {
					return err
				}
				flows, err := st.ListFlows(ctx, args[0])
				if err != nil {
					return err
				}
				if err := export.ToFile(output, format, flows); err != nil {
					return err
				}
				fmt.Printf("wrote %d flows to %s\n", len(flows), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output file (default <id>.csv)")
	cmd.Flags().StringVar(&format, "format", "", "csv or json (default from extension)")
	return cmd
}

func connectionCmd() *cobra.Command {
	conn := &cobra.Command{Use: "connection", Short: "Console connectivity"}
	conn.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Verify console reachability and credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateRemote(); err != nil {
				return err
			}
			client := newClient(cfg)
			if err := client.CheckConnection(cmd.Context()); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			fmt.Printf("connection to %s org %s ok\n", cfg.PCE.URL, cfg.PCE.OrgID)
			return nil
		},
	})
	return conn
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			st := newStore(cfg, conn)

			secret := cfg.Server.JWTSecret
			if v := viper.GetString("jwt-secret"); v != "" {
				secret = v
			}
			if secret == "" {
				fmt.Println("warning: no jwt secret configured, serving without auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			handler, err := server.New(server.Config{Store: st, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving flowlens API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	// Secrets may come from the environment instead of the yaml file.
	if v := viper.GetString("api-key"); v != "" {
		cfg.PCE.APIKey = v
	}
	if v := viper.GetString("api-secret"); v != "" {
		cfg.PCE.APISecret = v
	}
	if v := viper.GetString("pce-url"); v != "" {
		cfg.PCE.URL = v
	}
	if v := viper.GetString("org-id"); v != "" {
		cfg.PCE.OrgID = v
	}
	return cfg, nil
}

func newClient(cfg *config.Config) *pce.Client {
	client := pce.New(cfg.PCE.URL, cfg.PCE.OrgID)
	client.APIKey = cfg.PCE.APIKey
	client.APISecret = cfg.PCE.APISecret
	client.Insecure = cfg.PCE.Insecure
	return client
}

func newStore(cfg *config.Config, conn *sql.DB) *store.Store {
	st := store.New(conn)
	st.Retry = cfg.RetryPolicy()
	st.BatchSize = cfg.Retry.BatchSize
	st.BatchPause = cfg.BatchPause()
	return st
}

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return fn(ctx, newStore(cfg, conn))
}

func newAnalyzer(cfg *config.Config, st *store.Store) *traffic.Analyzer {
	return &traffic.Analyzer{
		Client:       newClient(cfg),
		Store:        st,
		PollInterval: cfg.PollInterval(),
		MaxAttempts:  cfg.Analysis.MaxAttempts,
		PageSize:     cfg.Analysis.DownloadPageSize,
		PersistRetry: cfg.RetryPolicy(),
		DeepAnalysis: cfg.Analysis.DeepAnalysis,
		LabelBased:   cfg.Analysis.LabelBasedRules,
		Observer: func(id, status string, resp any) {
			fmt.Printf("  %s: %s\n", id, status)
		},
	}
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

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
