package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/eventbus"
)

func newEventsCommand(getConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect events mirrored to the redis event bus",
	}

	var group string
	tailCmd := &cobra.Command{
		Use:   "tail <conversation-id|connection>",
		Short: "Print new events of a conversation as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			if !cfg.EventBus.Enabled {
				return errors.New("event bus is disabled (set eventbus.enabled)")
			}
			topic := eventbus.ConversationTopic(args[0])
			if args[0] == "connection" {
				topic = eventbus.ConnectionTopic
			}

			settings := cfg.EventBus
			settings.Group = group
			if settings.Group == "" {
				settings.Group = cfg.EventBus.Group + "-tail"
			}
			bus, err := eventbus.Open(settings)
			if err != nil {
				return err
			}
			defer func() { _ = bus.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := bus.EnsureGroupAtTail(ctx, topic, settings.Group); err != nil {
				return err
			}
			msgs, err := bus.Subscriber.Subscribe(ctx, topic)
			if err != nil {
				return errors.Wrapf(err, "subscribe %s", topic)
			}
			log.Debug().Str("topic", topic).Str("group", settings.Group).Msg("tailing events")

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					var e eventbus.Event
					if err := json.Unmarshal(msg.Payload, &e); err != nil {
						log.Warn().Err(err).Str("uuid", msg.UUID).Msg("skipping undecodable event")
					} else if err := enc.Encode(e); err != nil {
						msg.Nack()
						return err
					}
					msg.Ack()
				}
			}
		},
	}
	tailCmd.Flags().StringVar(&group, "group", "", "Consumer group (default <eventbus.group>-tail)")
	cmd.AddCommand(tailCmd)
	return cmd
}
