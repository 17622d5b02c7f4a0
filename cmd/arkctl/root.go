package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/arkdeploy/ark/internal/app/bootstrap"
	"github.com/arkdeploy/ark/pkg/config"
	"github.com/arkdeploy/ark/pkg/logger"
)

// cli carries the state shared by every subcommand.
type cli struct {
	out     io.Writer
	errOut  io.Writer
	envFile string
	verbose bool
	cfg     config.APIConfig
	log     *slog.Logger
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "arkctl",
		Short:         "Maintenance commands for Ark Deploy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(c.envFile); err != nil {
				fmt.Fprintln(c.errOut, "warning:", err)
			}
			c.cfg = config.LoadAPIConfig()
			level := slog.LevelWarn
			if c.verbose {
				level = c.cfg.LogLevel
			}
			c.log = logger.NewWithWriter(c.errOut, "arkctl", level)
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log at LOG_LEVEL instead of warn")
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(
		c.createAdminCommand(),
		c.seedPlansCommand(),
		c.checkServerCommand(),
		c.reinstallProxyCommand(),
		c.deployCommand(),
		c.setDomainCommand(),
		c.updatePortCommand(),
		c.syncContainerCommand(),
		c.fixLabelsCommand(),
		c.reconcileCommand(),
		c.orphansCommand(),
		c.importLegacyCommand(),
	)
	return root
}

// withApp builds the service graph, runs fn and tears everything down.
func (c *cli) withApp(ctx context.Context, fn func(context.Context, *bootstrap.App) error) error {
	app, err := bootstrap.New(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}
