package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marketchat/cmd/marketchat/tui"
	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/logging"
)

func newChatCommand(getConfig func() *config.Config, flags *rootFlags) *cobra.Command {
	var participants []string

	cmd := &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Open a conversation in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			closer, err := logging.OpenFile(flags.logFile, cfg.Log.Level)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cfg, args[0], participants)
		},
	}
	cmd.Flags().StringSliceVar(&participants, "with", nil, "Other participants invited to calls")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, conversationID string, participants []string) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	model := tui.New(a.coord, tui.Options{
		ConversationID: conversationID,
		Participants:   participants,
		Dashboard:      a.dashboard,
		Inbox:          a.inbox,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	bridge := tui.NewBridge(p.Send)
	if err := a.coord.Subscribe(ctx, bridge); err != nil {
		return err
	}
	if err := a.loop.Call(ctx, func() { a.router.Subscribe(bridge) }); err != nil {
		return err
	}
	if a.dashboard != nil {
		a.dashboard.OnUpdate(bridge.EscrowUpdated)
	}

	// a failed first connect is reported in the UI; reconnects are automatic
	// only after a first successful connection
	go func() {
		if err := a.Connect(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.Server.SignalingURL).Msg("signaling connect failed")
			p.Send(tui.ErrorMsg(errors.Wrap(err, "connect")))
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "run chat ui")
	}
	return nil
}
