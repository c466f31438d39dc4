package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buzzline/internal/app"
	"buzzline/internal/config"
	"buzzline/internal/db"
	"buzzline/internal/domain"
	"buzzline/internal/repo"
	"buzzline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bz",
	Short: "Buzzline CLI",
	Long: `Buzzline turns an intercom buzz into a chat approval.
- A call to the intercom number opens a 30 second approval window.
- The approver chat gets an Approve/Reject prompt; the first answer wins.
- Approve plays the door-open tones; reject hangs up; no answer dials the
  fallback number.
- 'bz token create' (or /acceptnextcall in chat) pre-approves the next buzz.
- 'bz link new' (or /generateaccesslink) mints a single-use guest link.
- Event log: 'bz log tail'.`,
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
	viper.SetEnvPrefix("BUZZLINE")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var insecure bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			secrets := app.SecretsFromEnv()
			if secrets.JWTSecret == "" && !insecure {
				return fmt.Errorf("BUZZLINE_JWT_SECRET is required for bearer auth (or pass --insecure-dev)")
			}

			ac, err := app.Bootstrap(workspace, cfg, secrets)
			if err != nil {
				return err
			}
			defer ac.Close()
			if err := ac.Registry.Recover(cmd.Context()); err != nil {
				return fmt.Errorf("recover running workflows: %w", err)
			}

			if addr == "" {
				addr = cfg.Server.Listen
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:     ac.Engine,
				Voice:      ac.Voice,
				ChatSecret: secrets.ChatWebhookSecret,
				BasePath:   basePath,
				Auth: server.AuthConfig{
					JWTSecret:                   secrets.JWTSecret,
					AllowInsecureOperatorHeader: insecure,
				},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ac.Engine)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutCtx)
			}()
			fmt.Printf("Serving Buzzline on http://%s%s (webhooks under %s/hooks, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&insecure, "insecure-dev", false, "accept X-Operator header instead of credentials (dev only)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active workflow and pending slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				active, err := ac.Registry.ActiveInstance(ctx)
				if err != nil {
					return err
				}
				tokens, err := ac.Repo.ListAdmissionTokens(ctx, time.Now())
				if err != nil {
					return err
				}
				out := map[string]any{
					"active":        active,
					"pending_slots": len(tokens),
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				if active != nil {
					fmt.Printf("Active call: %s (instance %s, state %s)\n", active.CallSID, active.ID, active.State)
				} else {
					fmt.Println("Active call: none")
				}
				fmt.Printf("Pending admission slots: %d\n", len(tokens))
				return nil
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Manage admission tokens",
		Long:  "An admission token pre-approves the next buzz: while one is live, the next call unlocks without a chat prompt.",
	}
	tok.AddCommand(tokenCreateCmd())
	tok.AddCommand(tokenListCmd())
	tok.AddCommand(tokenDeleteCmd())
	return tok
}

func tokenCreateCmd() *cobra.Command {
	var ttl time.Duration
	var note string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Pre-approve the next call",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				tok, err := ac.Engine.ScheduleApproval(ctx, ttl, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(tok)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "how long the slot stays open")
	cmd.Flags().StringVar(&note, "note", "created via cli", "note shown in token list")
	return cmd
}

func tokenListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live admission tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Repo.ListAdmissionTokens(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Note", "Created", "Expires"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Note, t.CreatedAt, t.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tokenDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an admission token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				return ac.Repo.DeleteAdmissionToken(ctx, args[0])
			})
		},
	}
	return cmd
}

func linkCmd() *cobra.Command {
	link := &cobra.Command{
		Use:   "link",
		Short: "Manage guest access links",
		Long:  "A guest access link is single-use: opening it within its TTL schedules a short admission slot, so the guest's next buzz auto-approves.",
	}
	link.AddCommand(linkNewCmd())
	return link
}

func linkNewCmd() *cobra.Command {
	var post bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Mint a guest access link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				e := ac.Engine
				if !post {
					e.Chat = nil
				}
				url, err := e.GenerateAccessLink(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"url": url})
				}
				fmt.Println(url)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&post, "post", false, "also post the link to the approver chat")
	return cmd
}

func instanceCmd() *cobra.Command {
	in := &cobra.Command{
		Use:   "instance",
		Short: "Inspect workflow instances",
	}
	in.AddCommand(instanceListCmd())
	in.AddCommand(instanceShowCmd())
	return in
}

func instanceListCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Repo.ListInstances(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Call", "Gen", "Status", "State", "Outcome"})
				for _, in := range items {
					outcome := ""
					if in.Outcome != nil {
						outcome = *in.Outcome
					}
					tw.AppendRow(table.Row{in.ID, in.CallSID, in.Generation, in.Status, in.State, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of instances")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				in, err := ac.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: calls, decisions, tokens, links.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, callSID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				events, err := ac.Repo.LatestEvents(ctx, n, evtType, callSID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Call", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.CallSID, e.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&callSID, "call-sid", "", "call sid filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage buzzline.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default buzzline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var operator, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				id, plaintext, err := newAPIKey(ctx, ac, operator, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": id, "key": plaintext})
				}
				fmt.Printf("id:  %s\nkey: %s\n", id, plaintext)
				fmt.Println("Store the key now; it is not shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				items, err := ac.Repo.ListAPIKeys(ctx, operator)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					for i := range items {
						items[i].KeyHash = ""
					}
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Operator", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Operator, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator filter")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				return ac.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func newAPIKey(ctx context.Context, ac *app.Context, operator, name string) (string, string, error) {
	id := uuid.New().String()
	plaintext := "bz_" + uuid.New().String()
	err := ac.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:       id,
		Operator: operator,
		Name:     name,
		KeyHash:  repo.HashAPIKey(plaintext),
	})
	return id, plaintext, err
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	ac, err := app.Bootstrap(workspace, cfg, app.SecretsFromEnv())
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
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
