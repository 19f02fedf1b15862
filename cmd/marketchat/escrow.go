package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/escrow"
)

func newEscrowCommand(getConfig func() *config.Config) *cobra.Command {
	var (
		output string
		width  int
	)
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Show escrow transactions with delivery timelines and disputes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			if cfg.Server.APIBaseURL == "" {
				return errors.New("server.api_base_url is not configured")
			}
			api, err := newAPIClient(cfg)
			if err != nil {
				return err
			}
			d := escrow.NewDashboard(escrow.NewClient(api), escrow.DashboardOptions{})
			snap, err := d.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			case "markdown":
				_, err := fmt.Fprint(w, escrow.Markdown(snap))
				return err
			case "", "auto":
				md := escrow.Markdown(snap)
				if !isatty.IsTerminal(os.Stdout.Fd()) {
					_, err := fmt.Fprint(w, md)
					return err
				}
				styled, err := escrow.Render(md, width)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(w, styled)
				return err
			}
			return errors.Errorf("unknown output %q", output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "auto", "Output format (auto, markdown, json)")
	cmd.Flags().IntVar(&width, "width", 100, "Wrap width of styled output")
	return cmd
}
