package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/logging"
)

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "marketchat",
		Short:         "Terminal client for marketplace buyer/seller chat, calls and escrow tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfigAnnotation] != "" {
				return logging.Init(flags.logLevel, flags.logFormat)
			}
			loaded, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") || loaded.Log.Level == "" {
				loaded.Log.Level = flags.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				loaded.Log.Format = flags.logFormat
			}
			cfg = loaded
			// the chat TUI owns the terminal, its logs go to a file
			if cmd.Name() == "chat" {
				return nil
			}
			return logging.Init(cfg.Log.Level, cfg.Log.Format)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Config file (default ~/.marketchat/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "auto", "Log format (auto, console, json)")
	pf.StringVar(&flags.logFile, "log-file", "marketchat.log", "Log file used while the chat UI is open")

	getConfig := func() *config.Config { return cfg }
	root.AddCommand(
		newChatCommand(getConfig, flags),
		newEscrowCommand(getConfig),
		newConfigCommand(getConfig, flags),
		newPrefsCommand(getConfig),
		newEventsCommand(getConfig),
		newHistoryCommand(getConfig),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
