package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitkeep/bitkeep/internal/svc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServiceCmd(g *globalFlags) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the continuous checker as a system service",
		Long: `Install and control a system service (systemd, launchd or the Windows
service manager) that runs "bitkeep checker -L".

Extra checker flags may follow "--" on install:
  sudo bitkeep --config /etc/bitkeep/bitkeep.yaml service install -- -v`,
	}
	cmd.PersistentFlags().StringVar(&name, "name", svc.DefaultName, "service name")

	serviceConfig := func() (*svc.Config, error) {
		path := g.configPath
		if path == "" {
			path = svc.DefaultConfigPath()
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return &svc.Config{Name: name, ConfigPath: abs}, nil
	}

	var (
		user  string
		force bool
	)
	install := &cobra.Command{
		Use:   "install [-- CHECKER-FLAGS]",
		Short: "Install the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			if _, err := loadConfig(&globalFlags{configPath: cfg.ConfigPath}); err != nil {
				return err
			}
			cfg.UserName = user
			cfg.CheckerArgs = args
			if err := svc.Install(cfg, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q installed. Start it with: bitkeep service start\n", cfg.Name)
			return nil
		},
	}
	install.Flags().StringVar(&user, "user", "", "account to run the service as")
	install.Flags().BoolVar(&force, "force", false, "replace an existing installation")

	control := func(action, short string) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				cfg, err := serviceConfig()
				if err != nil {
					return err
				}
				if err := svc.Control(cfg, action); err != nil {
					return err
				}
				log.Info().Str("service", cfg.Name).Msgf("service %s done", action)
				return nil
			},
		}
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := serviceConfig()
			if err != nil {
				return err
			}
			state, err := svc.Status(cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Name, state)
			return nil
		},
	}

	logOpts := svc.LogOptions{Lines: 50}
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logOpts.ServiceName = name
			return svc.ViewLogs(logOpts)
		},
	}
	logs.Flags().BoolVarP(&logOpts.Follow, "follow", "f", false, "follow the log")
	logs.Flags().IntVarP(&logOpts.Lines, "lines", "n", 50, "number of lines to show")

	cmd.AddCommand(
		install,
		control("uninstall", "Stop and remove the service"),
		control("start", "Start the service"),
		control("stop", "Stop the service"),
		control("restart", "Restart the service"),
		status,
		logs,
	)
	return cmd
}

// runAsService is the entry point when the service manager starts bitkeep.
// args are the arguments recorded at install time.
func runAsService(args []string) {
	cfg := &svc.Config{Name: svc.DefaultName, ConfigPath: configArg(args)}
	err := svc.Run(cfg, func(ctx context.Context) error {
		root := newRootCmd()
		root.SetArgs(args)
		return root.ExecuteContext(ctx)
	})
	if err != nil {
		log.Error().Err(err).Msg("service failed")
		os.Exit(1)
	}
}

// configArg returns the value of --config in args.
func configArg(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if path, ok := strings.CutPrefix(arg, "--config="); ok {
			return path
		}
	}
	return svc.DefaultConfigPath()
}
