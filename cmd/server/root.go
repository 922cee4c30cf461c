package main

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jengzang/mahjong-analysis-go/internal/config"
	"github.com/jengzang/mahjong-analysis-go/internal/logging"
)

// cliState is filled by the root command before any subcommand runs.
type cliState struct {
	configFile string
	cfg        *config.Config
	logger     zerolog.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	st := &cliState{logger: zerolog.Nop(), logCloser: io.NopCloser(nil)}

	cmd := &cobra.Command{
		Use:          "mahjong-analysis",
		Short:        "Mahjong settlement screenshot analysis service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}

			cfg, err := config.Load(st.configFile)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File})
			if err != nil {
				return err
			}

			st.cfg = cfg
			st.logger = logger
			st.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return st.logCloser.Close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&st.configFile, "config", "c", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newServeCmd(st),
		newMCPCmd(st),
		newTasksCmd(st),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
