package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/varie-ai/varie/internal/config"
	"github.com/varie-ai/varie/internal/daemon"
	"github.com/varie-ai/varie/internal/logger"
)

var version = "0.3.0"

func main() {
	root := &cobra.Command{
		Use:   "varied",
		Short: "varie session daemon",
		Long:  "Owns assistant PTY sessions, the control socket, and the cloud relay link.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, _ := cmd.Flags().GetBool("dev")
			configPath, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")

			if configPath == "" {
				var err error
				configPath, err = config.ConfigPath()
				if err != nil {
					return err
				}
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFile != "" {
				cfg.LogFile = logFile
			}

			log, err := logger.Init(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			return daemon.Run(cfg, log, daemon.Options{Dev: dev, Version: version})
		},
	}

	root.Flags().Bool("dev", false, "use the dev control socket")
	root.Flags().String("config", "", "config file path (default ~/.varie/config.yaml)")
	root.Flags().String("log-level", "", "override logLevel from config")
	root.Flags().String("log-file", "", "override logFile from config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
