package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marketchat/cmd/marketchat/browser"
	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/identity"
	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
)

func newHistoryCommand(getConfig func() *config.Config) *cobra.Command {
	var (
		limit int
		since string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse conversations cached in the local message store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			if cfg.Store.Path == "" {
				return errors.New("store.path is not configured, nothing is cached between runs")
			}
			dsn, err := chatstore.SQLiteDSNForFile(cfg.Store.Path)
			if err != nil {
				return err
			}
			store, err := chatstore.NewSQLiteMessageStore(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var sinceMs int64
			if since != "" {
				d, err := time.ParseDuration(since)
				if err != nil {
					return errors.Wrap(err, "parse --since")
				}
				sinceMs = time.Now().Add(-d).UnixMilli()
			}
			convs, err := store.ListConversations(cmd.Context(), limit, sinceMs)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				cmd.Println("no stored conversations")
				return nil
			}

			// an unresolvable user only loses the "me" labels
			userID, _ := identity.Resolve(cfg.Server.UserID, cfg.Server.Token)
			final, err := tea.NewProgram(browser.New(convs, store, userID), tea.WithAltScreen()).Run()
			if err != nil {
				return errors.Wrap(err, "run history browser")
			}
			if m, ok := final.(browser.Model); ok && m.Selected() != "" {
				cmd.Println(m.Selected())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of conversations")
	cmd.Flags().StringVar(&since, "since", "", "Only conversations active within this duration (e.g. 72h)")
	return cmd
}
