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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"svsettings/internal/app"
	"svsettings/internal/db"
	"svsettings/internal/engine"
	"svsettings/internal/log"
	"svsettings/internal/migrate"
	"svsettings/internal/registry"
	"svsettings/internal/repo"
	"svsettings/internal/server"
	"svsettings/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "svs",
	Short: "Supervisor settings CLI",
	Long: `svs manages supervisor instance configuration and exposes it over HTTP.
Settings are validated against a typed registry before they are stored,
every change is audited, and the status command merges stored
configuration with live supervisor health.`,
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
	viper.SetEnvPrefix("SVSETTINGS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("instance", "", "instance id")
	rootCmd.PersistentFlags().String("registry", "", "path to registry YAML (defaults to built-in catalog)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("instance", rootCmd.PersistentFlags().Lookup("instance"))
	_ = viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))
}

func registerCommands() {
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCommand())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveCmd())
}

func instanceCmd() *cobra.Command {
	ins := &cobra.Command{Use: "instance", Short: "Manage instances"}
	ins.AddCommand(instanceListCmd())
	ins.AddCommand(instanceCreateCmd())
	ins.AddCommand(instanceShowCmd())
	ins.AddCommand(instanceUpdateCmd())
	ins.AddCommand(instanceDeleteCmd())
	return ins
}

func instanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstances(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Status URL", "Created"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Description, in.StatusURL, in.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func instanceCreateCmd() *cobra.Command {
	var id, desc, statusURL string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an instance and seed registry defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CreateInstance(ctx, id, desc, statusURL, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&statusURL, "status-url", "", "supervisor status endpoint")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func instanceUpdateCmd() *cobra.Command {
	var desc, statusURL string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change an instance's description or status source",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("instance")
			if target == "" {
				return fmt.Errorf("--instance required")
			}
			var descPtr, urlPtr *string
			if cmd.Flags().Changed("description") {
				descPtr = &desc
			}
			if cmd.Flags().Changed("status-url") {
				urlPtr = &statusURL
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.UpdateInstance(ctx, target, descPtr, urlPtr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&statusURL, "status-url", "", "supervisor status endpoint (empty clears it)")
	return cmd
}

func instanceDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete an instance and its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("instance")
			if target == "" {
				return fmt.Errorf("--instance required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteInstance(ctx, target, viper.GetString("actor-id"))
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage instance settings"}
	cfg.AddCommand(configListCmd())
	cfg.AddCommand(configGetCmd())
	cfg.AddCommand(configSetCmd())
	cfg.AddCommand(configDeleteCmd())
	return cfg
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List settings for an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				items, err := e.ListSettings(ctx, in.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value", "Version", "Updated", "By"})
				for _, entry := range items {
					tw.AppendRow(table.Row{entry.Key, entry.ValueJSON, entry.Version, entry.UpdatedAt, entry.UpdatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				entry, err := e.GetSetting(ctx, in.ID, args[0])
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
}

func configSetCmd() *cobra.Command {
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one setting",
		Long: `Write one setting. The value is parsed as JSON first, so numbers,
booleans, objects and arrays keep their type; anything that fails to
parse is treated as a plain string.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				entry, err := e.SetSetting(ctx, engine.SetOptions{
					InstanceID:      in.ID,
					Key:             args[0],
					Value:           parseValue(args[1]),
					ExpectedVersion: expectedVersion,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(entry)
			})
		},
	}
	cmd.Flags().Int64Var(&expectedVersion, "version", 0, "expected current version (0 skips the check)")
	return cmd
}

func configDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return e.DeleteSetting(ctx, in.ID, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Combined configuration and health view",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				agg := status.New(e.Repo)
				view, err := agg.Status(ctx, in.ID)
				if err != nil {
					return err
				}
				return printJSON(view)
			})
		},
	}
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Inspect the settings catalog"}
	reg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show known settings and their rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := registry.Load(viper.GetString("registry"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(r.Settings)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Key", "Type", "Default", "Constraints", "Description"})
			for _, key := range r.Keys() {
				rule, _ := r.Rule(key)
				tw.AppendRow(table.Row{key, rule.Type, formatDefault(rule), formatConstraints(rule), rule.Description})
			}
			tw.Render()
			return nil
		},
	})
	return reg
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	var scopes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (secret shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name, scopes)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"id":     key.ID,
					"actor":  key.ActorID,
					"scopes": key.Scopes,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope (repeatable): config.read, config.write, instance.admin, admin")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Scopes", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Scopes, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit trail for an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := app.ResolveInstance(ctx, e, viper.GetString("instance"), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				events, err := e.Events(ctx, in.ID, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Action", "Key", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Action, ev.Key, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "return events after this id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, logLevel string
	var logJSON, allowLegacy, webhooks bool
	var statusTTL, statusTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Level: logLevel, JSON: logJSON})
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			reg, err := registry.Load(viper.GetString("registry"))
			if err != nil {
				return err
			}
			e := engine.New(conn, reg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("SVSETTINGS_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SVSETTINGS_JWT_SECRET is required for bearer auth")
			}
			agg := status.New(e.Repo)
			if statusTTL > 0 {
				agg.TTL = statusTTL
			}
			if statusTimeout > 0 {
				agg.Timeout = statusTimeout
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Status:   agg,
				BasePath: basePath,
				Auth:     authCfg,
				Webhooks: webhooks,
				Context:  cmd.Context(),
			})
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
			log.Logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving settings API")
			fmt.Printf("Serving settings API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "log as JSON")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (deprecated)")
	cmd.Flags().BoolVar(&webhooks, "webhooks", false, "deliver audit events to each instance's webhook_url")
	cmd.Flags().DurationVar(&statusTTL, "status-ttl", 0, "status snapshot cache TTL")
	cmd.Flags().DurationVar(&statusTimeout, "status-timeout", 0, "status probe timeout")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	reg, err := registry.Load(viper.GetString("registry"))
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, reg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseValue keeps JSON types when the argument parses, otherwise the
// raw string.
func parseValue(arg string) any {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err == nil {
		return v
	}
	return arg
}

func formatDefault(rule registry.Rule) string {
	if rule.Default == nil {
		return ""
	}
	b, _ := json.Marshal(rule.Default)
	return string(b)
}

func formatConstraints(rule registry.Rule) string {
	switch {
	case rule.Type == registry.TypeEnum:
		return strings.Join(rule.Enum, "|")
	case rule.Min != nil && rule.Max != nil:
		return fmt.Sprintf("%d..%d", *rule.Min, *rule.Max)
	case rule.Min != nil:
		return fmt.Sprintf(">=%d", *rule.Min)
	case rule.Max != nil:
		return fmt.Sprintf("<=%d", *rule.Max)
	}
	return ""
}
