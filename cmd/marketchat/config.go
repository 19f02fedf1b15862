package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/marketchat/pkg/config"
)

// skipConfigAnnotation marks commands that run before a valid config exists.
const skipConfigAnnotation = "marketchat/skip-config"

func newConfigCommand(getConfig func() *config.Config, flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	var showToken bool
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the merged configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *getConfig()
			if !showToken && cfg.Server.Token != "" {
				cfg.Server.Token = "***"
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	printCmd.Flags().BoolVar(&showToken, "show-token", false, "Print the session token unmasked")

	pathCmd := &cobra.Command{
		Use:         "path",
		Short:       "Print the default config file location",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(config.DefaultPath())
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Interactively write a config file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				ok, err := confirmOverwrite(&input.UI{Reader: os.Stdin, Writer: cmd.ErrOrStderr()}, path)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}

			v := initValues{Redis: config.Default().EventBus.Addr}
			if err := initForm(&v).Run(); err != nil {
				return errors.Wrap(err, "config form")
			}
			cfg, err := v.apply(config.Default())
			if err != nil {
				return err
			}
			if err := writeConfigFile(path, cfg); err != nil {
				return err
			}
			cmd.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file without asking")

	cmd.AddCommand(printCmd, pathCmd, initCmd)
	return cmd
}

// initValues are the answers of the init form.
type initValues struct {
	SignalingURL string
	APIBaseURL   string
	UserID       string
	Token        string
	EventBus     bool
	Redis        string
	StorePath    string
}

func initForm(v *initValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Signaling URL").
				Placeholder("wss://market.example/ws").
				Value(&v.SignalingURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
						return errors.New("must start with ws:// or wss://")
					}
					return nil
				}),
			huh.NewInput().
				Title("REST API base URL").
				Description("Used for message history and escrow. Leave empty to disable.").
				Value(&v.APIBaseURL),
			huh.NewInput().
				Title("User id").
				Description("Optional when the token carries the user id.").
				Value(&v.UserID),
			huh.NewInput().
				Title("Session token").
				EchoMode(huh.EchoModePassword).
				Value(&v.Token),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Message store").
				Description("SQLite file caching conversations. Leave empty to keep them in memory.").
				Placeholder("~/.marketchat/messages.db").
				Value(&v.StorePath),
			huh.NewConfirm().
				Title("Mirror events to redis?").
				Value(&v.EventBus),
			huh.NewInput().
				Title("Redis address").
				Value(&v.Redis),
		),
	).WithTheme(huh.ThemeCharm())
}

func (v initValues) apply(cfg config.Config) (config.Config, error) {
	cfg.Server.SignalingURL = strings.TrimSpace(v.SignalingURL)
	cfg.Server.APIBaseURL = strings.TrimSpace(v.APIBaseURL)
	cfg.Server.UserID = strings.TrimSpace(v.UserID)
	cfg.Server.Token = strings.TrimSpace(v.Token)
	cfg.Store.Path = strings.TrimSpace(v.StorePath)
	cfg.EventBus.Enabled = v.EventBus
	if addr := strings.TrimSpace(v.Redis); addr != "" {
		cfg.EventBus.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func confirmOverwrite(ui *input.UI, path string) (bool, error) {
	answer, err := ui.Ask(path+" exists. Overwrite? [y/n]", &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "read answer")
	}
	return answer == "y" || answer == "Y", nil
}

// writeConfigFile writes cfg readable by the owner only.
func writeConfigFile(path string, cfg config.Config) error {
	b, err := cfg.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	return errors.Wrap(os.WriteFile(path, b, 0o600), "write config")
}
