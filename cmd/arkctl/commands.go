package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/arkdeploy/ark/internal/app/bootstrap"
	"github.com/arkdeploy/ark/internal/domain"
	"github.com/arkdeploy/ark/internal/legacy"
)

var actor = domain.SystemActor

func (c *cli) createAdminCommand() *cobra.Command {
	var role, password string
	cmd := &cobra.Command{
		Use:   "create-admin <email>",
		Short: "Create an admin account or promote an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(password)
			if secret == "" {
				secret = os.Getenv("ARK_ADMIN_PASSWORD")
			}
			if secret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				fmt.Fprint(c.errOut, "Password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(c.errOut)
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				secret = string(raw)
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				user, created, err := app.Auth.EnsureAdmin(ctx, args[0], secret, role)
				if err != nil {
					return err
				}
				verb := "updated"
				if created {
					verb = "created"
				}
				fmt.Fprintf(c.out, "%s %s (%s) role=%s\n", verb, user.Email, user.ID, user.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", domain.RoleAdmin, "admin or superadmin")
	cmd.Flags().StringVar(&password, "password", "", "password for a new account (prompted when omitted)")
	return cmd
}

func (c *cli) seedPlansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-plans <file>",
		Short: "Create or update plans from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			inputs, err := parsePlans(raw)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				plans, err := app.Plans.Seed(ctx, actor, inputs)
				for _, p := range plans {
					fmt.Fprintf(c.out, "plan %s (%s) active=%t price=%d %s\n", p.Slug, p.ID, p.Active, p.PricePerServer, p.Currency)
				}
				return err
			})
		},
	}
}

func (c *cli) checkServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-server <server-id>",
		Short: "Probe a server over SSH and record its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				srv, op, err := app.Servers.Check(ctx, actor, args[0])
				if op.ID != "" {
					printOperation(c.out, op)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "server %s status=%s\n", srv.Name, srv.Status)
				return nil
			})
		},
	}
}

func (c *cli) reinstallProxyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reinstall-proxy <server-id>",
		Short: "Reinstall the reverse proxy on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				op, err := app.Servers.InstallProxy(ctx, actor, args[0], true)
				return c.report(op, err)
			})
		},
	}
}

func (c *cli) deployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <project-name>",
		Short: "Deploy a project and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				op, err := app.Deploys.Deploy(ctx, actor, args[0])
				return c.report(op, err)
			})
		},
	}
}

func (c *cli) setDomainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-domain <project-name> <domain>",
		Short: "Change a project's domain and re-route it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				op, err := app.Deploys.SetDomain(ctx, actor, args[0], args[1])
				if err == nil && op.ID == "" {
					fmt.Fprintf(c.out, "domain of %s set to %s; it will be routed on the next deploy\n", args[0], args[1])
					return nil
				}
				return c.report(op, err)
			})
		},
	}
}

func (c *cli) updatePortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "update-port <project-name> <port>",
		Short: "Change a project's container port and recreate it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				op, err := app.Deploys.UpdatePort(ctx, actor, args[0], port)
				return c.report(op, err)
			})
		},
	}
}

func (c *cli) syncContainerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-container <project-name>",
		Short: "Refresh a project's container id and status from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				p, op, err := app.Deploys.SyncContainer(ctx, actor, args[0])
				if err := c.report(op, err); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "project %s status=%s container=%s port=%d\n", p.Name, p.Status, shortID(p.ContainerID), p.Port)
				return nil
			})
		},
	}
}

func (c *cli) fixLabelsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-labels <project-name>",
		Short: "Recreate a project's container when its routing labels drifted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				op, changed, err := app.Deploys.FixLabels(ctx, actor, args[0])
				if err := c.report(op, err); err != nil {
					return err
				}
				if !changed {
					fmt.Fprintln(c.out, "labels already up to date")
				}
				return nil
			})
		},
	}
}

func (c *cli) reconcileCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile <server-id>",
		Short: "Compare stored state with the server and repair drift",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.Reconcile.ReconcileServer(ctx, args[0], dryRun)
				printReport(c.out, report)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only print the planned actions")
	return cmd
}

func (c *cli) orphansCommand() *cobra.Command {
	var cleanup, dryRun bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List databases whose owner no longer exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				if !cleanup {
					dbs, err := app.Databases.Orphans(ctx, actor)
					if err != nil {
						return err
					}
					for _, db := range dbs {
						fmt.Fprintf(c.out, "%s %s %s server=%s status=%s\n", db.ID, db.Name, db.Type, db.ServerID, db.Status)
					}
					fmt.Fprintf(c.out, "%d orphaned database(s)\n", len(dbs))
					return nil
				}
				results, err := app.Databases.CleanupOrphans(ctx, actor, dryRun)
				if err != nil {
					return err
				}
				failed := 0
				for _, r := range results {
					state := "kept"
					switch {
					case r.Error != "":
						state = "failed: " + r.Error
						failed++
					case r.Removed:
						state = "removed"
					}
					fmt.Fprintf(c.out, "%s %s %s\n", r.Database.ID, r.Database.Name, state)
				}
				if failed > 0 {
					return fmt.Errorf("%d orphan cleanup(s) failed", failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove orphaned database containers")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "with --cleanup, only print what would be removed")
	return cmd
}

func (c *cli) importLegacyCommand() *cobra.Command {
	var dryRun bool
	var uri, database string
	cmd := &cobra.Command{
		Use:   "import-legacy",
		Short: "Import users, servers, projects, databases and plans from the legacy MongoDB store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if uri == "" {
				uri = c.cfg.LegacyMongoURI
			}
			if database == "" {
				database = c.cfg.LegacyMongoDatabase
			}
			if uri == "" {
				return errors.New("MONGODB_URI is not set")
			}
			return c.withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
				src, err := legacy.Connect(ctx, uri, database)
				if err != nil {
					return err
				}
				defer src.Close(context.Background())

				sum, err := legacy.NewImporter(app.Repo, app.Vault, c.log, dryRun).Import(ctx, src)
				printSummary(c.out, sum, dryRun)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read and validate without writing")
	cmd.Flags().StringVar(&uri, "uri", "", "MongoDB connection string (defaults to MONGODB_URI)")
	cmd.Flags().StringVar(&database, "database", "", "MongoDB database name (defaults to MONGODB_DATABASE)")
	return cmd
}

// report prints op when one was recorded and returns the error to surface.
func (c *cli) report(op domain.Operation, err error) error {
	if op.ID != "" {
		printOperation(c.out, op)
	}
	return err
}
