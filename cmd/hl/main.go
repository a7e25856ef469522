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

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"holdline/internal/app"
	"holdline/internal/config"
	"holdline/internal/db"
	"holdline/internal/domain"
	"holdline/internal/engine"
	"holdline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Holdline CLI",
	Long: `Holdline manages exclusive commitments on reservable units.
- Interest: a buyer's recorded wish to reserve a unit (hl interest express).
- Commitment: the one exclusive hold on a unit, open for the grace period (hl commit).
- Deposit: once paid, the commitment no longer expires (hl deposit).
- Sweep: releases unpaid commitments whose grace period ended (hl sweep, or hl serve in the background).
- Catalog: a unit is listed exactly when nobody holds it (hl resource list --visible).`,
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
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HOLDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(interestCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(depositCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(releaseCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage holdline.yml",
		Long:  "holdline.yml sets the grace period, the sweep cadence and warnings, roles and their capabilities, and webhook targets. Defaults apply when the file is absent.",
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
		Short: "Write a default holdline.yml",
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
			applyEnv(cfg)
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate holdline.yml",
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

func resourceCmd() *cobra.Command {
	res := &cobra.Command{Use: "resource", Short: "Manage resources"}
	res.AddCommand(resourceCreateCmd())
	res.AddCommand(resourceShowCmd())
	res.AddCommand(resourceListCmd())
	res.AddCommand(resourceHandoverCmd())
	res.AddCommand(resourceCompleteCmd())
	return res
}

func resourceCreateCmd() *cobra.Command {
	var id, title, development, price string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.CreateResourceOptions{
				ID:          id,
				Title:       title,
				Development: development,
				ActorID:     viper.GetString("actor-id"),
			}
			if price != "" {
				p, err := decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("--price: %w", err)
				}
				opts.ListPrice = p
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.CreateResource(ctx, opts)
				if err != nil {
					return err
				}
				return printResources([]domain.Resource{r})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "resource id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&development, "development", "", "development or project name")
	cmd.Flags().StringVar(&price, "price", "", "list price")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func resourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <resource-id>",
		Short: "Show a resource and its interests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.Detail(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if err := printResources([]domain.Resource{d.Resource}); err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Status", "Since"})
				for _, in := range d.Interests {
					tw.AppendRow(table.Row{in.ActorID, in.Status, in.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func resourceListCmd() *cobra.Command {
	var visible bool
	var development, maxPrice string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var (
					items []domain.Resource
					err   error
				)
				if visible {
					c := domain.CatalogCriteria{Development: development, Limit: limit}
					if maxPrice != "" {
						p, perr := decimal.NewFromString(maxPrice)
						if perr != nil {
							return fmt.Errorf("--max-price: %w", perr)
						}
						c.MaxPrice = &p
					}
					items, err = rt.Engine.ListVisibleResources(ctx, c)
				} else {
					items, err = rt.Engine.ListResources(ctx)
				}
				if err != nil {
					return err
				}
				return printResources(items)
			})
		},
	}
	cmd.Flags().BoolVar(&visible, "visible", false, "only resources shown in the catalog")
	cmd.Flags().StringVar(&development, "development", "", "catalog filter (with --visible)")
	cmd.Flags().StringVar(&maxPrice, "max-price", "", "catalog filter (with --visible)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (with --visible)")
	return cmd
}

func resourceHandoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handover <resource-id>",
		Short: "Start the handover of a secured resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Auth.Authorize(ctx, viper.GetString("actor-id"), config.CapResourceManage); err != nil {
					return err
				}
				r, err := rt.Handover.Begin(ctx, args[0])
				if err != nil {
					return err
				}
				return printResources([]domain.Resource{r})
			})
		},
	}
}

func resourceCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <resource-id>",
		Short: "Complete a handover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.Auth.Authorize(ctx, viper.GetString("actor-id"), config.CapResourceManage); err != nil {
					return err
				}
				r, err := rt.Handover.Complete(ctx, args[0])
				if err != nil {
					return err
				}
				return printResources([]domain.Resource{r})
			})
		},
	}
}

func interestCmd() *cobra.Command {
	in := &cobra.Command{Use: "interest", Short: "Express or withdraw interest"}
	in.AddCommand(&cobra.Command{
		Use:   "express <resource-id>",
		Short: "Express interest in a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				interest, err := rt.Engine.ExpressInterest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(interest)
			})
		},
	})
	in.AddCommand(&cobra.Command{
		Use:   "withdraw <resource-id>",
		Short: "Withdraw interest (cancels an unpaid commitment)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				interest, err := rt.Engine.WithdrawInterest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(interest)
			})
		},
	})
	return in
}

func commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit <resource-id>",
		Short: "Commit to a resource for the grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.Commit(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResources([]domain.Resource{r})
			})
		},
	}
}

func depositCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "deposit <resource-id>",
		Short: "Record a confirmed deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.PayDeposit(ctx, args[0], viper.GetString("actor-id"), amt)
				if err != nil {
					return err
				}
				return printResources([]domain.Resource{r})
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "deposit amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <resource-id>",
		Short: "Cancel your unpaid commitment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.CancelCommitment(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResources([]domain.Resource{r})
			})
		},
	}
}

func releaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <resource-id>",
		Short: "Administratively release a commitment, paid or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rel, err := rt.Engine.ForceRelease(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"resource":          rel.Resource,
						"released_actor_id": rel.ActorID,
						"refund":            rel.Refund.String(),
					})
				}
				fmt.Printf("released %s from %s (refund %s)\n", rel.Resource.ID, rel.ActorID, rel.Refund.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the release")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rep, err := rt.Sweep.Tick(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scanned", "Released", "Skipped", "Failed", "Warned"})
				tw.AppendRow(table.Row{rep.Scanned, rep.Released, rep.Skipped, rep.Failed, rep.Warned})
				tw.Render()
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check every resource against the commitment invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				findings, err := rt.Engine.Audit(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				if len(findings) == 0 {
					fmt.Println("no violations")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Resource", "Violation"})
				for _, f := range findings {
					for _, v := range f.Violations {
						tw.AppendRow(table.Row{f.ResourceID, v})
					}
				}
				tw.Render()
				return fmt.Errorf("%d resources violate invariants", len(findings))
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			applyEnv(cfg)
			now := time.Now()
			tok, err := server.IssueToken(cfg.Auth.JWTSecret, viper.GetString("actor-id"), roles, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:              rt.Config.Auth.JWTSecret,
					AllowLegacyActorHeader: rt.Config.Auth.AllowLegacyActorHeader,
					Logger:                 rt.Logger.With("component", "auth"),
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("HOLDLINE_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Registry: rt.Registry,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				sweepDone := make(chan error, 1)
				go func() { sweepDone <- rt.Sweep.Run(ctx) }()

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.InfoContext(ctx, "serving holdline api",
					"addr", addr,
					"base_path", basePath,
					"sweep_interval", rt.Config.SweepInterval().String(),
					"schema_version", rt.SchemaVersion,
				)
				fmt.Printf("Serving Holdline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				serveErr := srv.ListenAndServe()
				cancel()
				sweepErr := <-sweepDone
				if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
					return serveErr
				}
				if sweepErr != nil && !errors.Is(sweepErr, context.Canceled) {
					return sweepErr
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

// applyEnv layers HOLDLINE_* overrides onto the file config.
func applyEnv(cfg *config.Config) {
	if secret := viper.GetString("jwt_secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, viper.GetString("workspace"), app.Options{Configure: applyEnv})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printResources(items []domain.Resource) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Development", "Price", "Stage", "Holder", "Expires", "Deposit"})
	for _, r := range items {
		holder, expires, deposit := "", "", ""
		if r.CommittedActorID != nil {
			holder = *r.CommittedActorID
		}
		if r.CommitmentExpiresAt != nil && !r.DepositPaid {
			expires = r.CommitmentExpiresAt.Format(time.RFC3339)
		}
		if r.DepositPaid {
			deposit = r.DepositAmount.String()
		}
		tw.AppendRow(table.Row{r.ID, r.Title, r.Development, r.ListPrice.String(), r.LifecycleStage, holder, expires, deposit})
	}
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
