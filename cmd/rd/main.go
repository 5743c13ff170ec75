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

	"reviewdesk/internal/config"
	"reviewdesk/internal/db"
	"reviewdesk/internal/engine"
	"reviewdesk/internal/engine/auth"
	"reviewdesk/internal/migrate"
	"reviewdesk/internal/repo"
	"reviewdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rd",
	Short: "Reviewdesk CLI",
	Long: `Reviewdesk runs the review workflow for supplier-submitted datasets.
Core concepts:
- Workspace: the .reviewdesk directory holding the database; reviewdesk.yml next to it configures roles and webhooks.
- Datasets: proposals flow submitted -> under_review -> verified -> published (rejected and archived are exits).
- Assignments: a reviewer picks a dataset and owns the decision until approve/reject; at most one active reviewer per dataset.
- Verification: each upload is checked independently of review; publishing requires a passed check on the current upload.
- RBAC: roles grant permission keys like datasets:approve; everything is denied until granted.
- Event log: every committed change lands in the audit log, view with 'rd log tail'.`,
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
	viper.SetEnvPrefix("REVIEWDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(datasetCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func datasetCmd() *cobra.Command {
	ds := &cobra.Command{
		Use:   "dataset",
		Short: "Manage dataset proposals",
		Long:  "Datasets are supplier proposals moving through review. Submit one, watch its status, or withdraw it before a decision lands.",
	}
	ds.AddCommand(datasetSubmitCmd())
	ds.AddCommand(datasetListCmd())
	ds.AddCommand(datasetShowCmd())
	ds.AddCommand(datasetWithdrawCmd())
	return ds
}

func datasetSubmitCmd() *cobra.Command {
	var opts engine.SubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a dataset proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if opts.OwnerID == "" {
				opts.OwnerID = opts.ActorID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SubmitDataset(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "dataset id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.OwnerType, "owner-type", "supplier", "owner type (platform, supplier)")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner id (defaults to actor)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Visibility, "visibility", "", "visibility (public, private, unlisted)")
	cmd.Flags().StringVar(&opts.UploadID, "upload-id", "", "initial upload id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func datasetListCmd() *cobra.Command {
	var f repo.DatasetFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDatasets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Visibility", "Updated"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.OwnerID, d.Visibility, d.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerType, "owner-type", "", "owner type filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&f.Visibility, "visibility", "", "visibility filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func datasetShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dataset with its assignment and verification state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDataset(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"dataset": d}
				if a, err := e.Repo.ActiveAssignment(ctx, id); err == nil {
					out["active_assignment"] = a
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if vr, err := e.Repo.GetVerification(ctx, id); err == nil {
					out["verification"] = vr
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if rrs, err := e.Repo.ListRevisionRequests(ctx, id); err == nil && len(rrs) > 0 {
					out["revision_requests"] = rrs
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func datasetWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a proposal before a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.WithdrawDataset(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{
		Use:   "review",
		Short: "Run review actions",
		Long:  "Pick claims a dataset for exclusive review. Approve, reject and request-changes are assignee-only decisions. Publish, unpublish and archive control what is live.",
	}
	rv.AddCommand(reviewPickCmd())
	rv.AddCommand(reviewDecisionCmd("approve", "Approve the dataset", engine.ActionApprove))
	rv.AddCommand(reviewDecisionCmd("reject", "Reject the dataset (notes required)", engine.ActionReject))
	rv.AddCommand(reviewRequestChangesCmd())
	rv.AddCommand(reviewLifecycleCmd("publish", "Publish a verified dataset", engine.ActionPublish))
	rv.AddCommand(reviewLifecycleCmd("unpublish", "Take a published dataset off the catalog", engine.ActionUnpublish))
	rv.AddCommand(reviewLifecycleCmd("archive", "Archive a published dataset", engine.ActionArchive))
	rv.AddCommand(reviewReassignCmd())
	return rv
}

func reviewPickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pick <dataset-id>",
		Short: "Claim a dataset for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Pick(ctx, id, viper.GetString("actor-id"), auth.Set{})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func reviewDecisionCmd(use, short, action string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <dataset-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ReviewAction{
					ActorID:   viper.GetString("actor-id"),
					DatasetID: id,
					Kind:      action,
					Notes:     notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	return cmd
}

func reviewRequestChangesCmd() *cobra.Command {
	var notes string
	var datasetChanges, pricingChanges bool
	cmd := &cobra.Command{
		Use:   "request-changes <dataset-id>",
		Short: "Ask the supplier for changes (keeps the assignment)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ReviewAction{
					ActorID:             viper.GetString("actor-id"),
					DatasetID:           id,
					Kind:                engine.ActionRequestChanges,
					Notes:               notes,
					DatasetNeedsChanges: datasetChanges,
					PricingNeedsChanges: pricingChanges,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "what needs to change")
	cmd.Flags().BoolVar(&datasetChanges, "dataset", false, "dataset content needs changes")
	cmd.Flags().BoolVar(&pricingChanges, "pricing", false, "pricing needs changes")
	return cmd
}

func reviewLifecycleCmd(use, short, action string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <dataset-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Dispatch(ctx, engine.ReviewAction{
					ActorID:   viper.GetString("actor-id"),
					DatasetID: id,
					Kind:      action,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func reviewReassignCmd() *cobra.Command {
	var newAdmin string
	cmd := &cobra.Command{
		Use:   "reassign <dataset-id>",
		Short: "Move the active assignment to another reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Reassign(ctx, id, newAdmin, viper.GetString("actor-id"), auth.Set{})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&newAdmin, "to", "", "new reviewer actor id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func verifyCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "verify",
		Short: "Manage verification records",
		Long:  "Verification tracks the content check of the current upload. Attaching a new upload resets it to pending; publish requires a pass.",
	}
	v.AddCommand(verifyAttachCmd())
	v.AddCommand(verifyPassCmd())
	v.AddCommand(verifyFailCmd())
	v.AddCommand(verifyShowCmd())
	return v
}

func verifyAttachCmd() *cobra.Command {
	var uploadID string
	cmd := &cobra.Command{
		Use:   "attach <dataset-id>",
		Short: "Attach an upload (resets verification to pending)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vr, err := e.AttachUpload(ctx, id, uploadID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(vr)
			})
		},
	}
	cmd.Flags().StringVar(&uploadID, "upload-id", "", "upload id")
	_ = cmd.MarkFlagRequired("upload-id")
	return cmd
}

func verifyPassCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pass <dataset-id>",
		Short: "Mark the current upload as passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vr, err := e.MarkPassed(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(vr)
			})
		},
	}
	return cmd
}

func verifyFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <dataset-id>",
		Short: "Mark the current upload as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vr, err := e.MarkFailed(ctx, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(vr)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func verifyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <dataset-id>",
		Short: "Show the verification record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vr, err := e.Repo.GetVerification(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(vr)
			})
		},
	}
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				profile, err := e.ActorProfile(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(profile)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.GrantRole(ctx, target, role, viper.GetString("actor-id"), auth.Set{})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, target, role, viper.GetString("actor-id"), auth.Set{})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed configured roles and grant one without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedRBAC(ctx); err != nil {
					return err
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if _, ok := e.Config.RBAC.Roles[role]; !ok {
					if err := e.Repo.InsertRole(ctx, tx, role, ""); err != nil {
						return err
					}
				}
				if err := e.Auth.EnsureActor(ctx, tx, target); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, target, role); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := server.NewAPIKey(ctx, e, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":         key.ID,
					"actor_id":   key.ActorID,
					"name":       key.Name,
					"key":        secret,
					"created_at": key.CreatedAt,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is reviewdesk.yml in the workspace: marketplace identity, default visibility, the role catalog, and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
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
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default reviewdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dataset counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountDatasetsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Printf("Marketplace: %s\n", e.Config.Marketplace.ID)
				fmt.Println("Datasets:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit diary: submissions, picks, decisions, verification results, publishes.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if err := e.SeedRBAC(cmd.Context()); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("REVIEWDESK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("REVIEWDESK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Reviewdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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
