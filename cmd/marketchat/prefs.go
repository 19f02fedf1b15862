package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/identity"
	"github.com/go-go-golems/marketchat/pkg/notify"
)

func newPrefsCommand(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "prefs [category=on|off ...]",
		Short: "List or change notification preferences",
		Long: "Without arguments, prints the effective preference of every category.\n" +
			"Changes are persisted in redis when the event bus is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			userID, err := identity.Resolve(cfg.Server.UserID, cfg.Server.Token)
			if err != nil {
				return errors.Wrap(err, "resolve user id")
			}

			changes, err := parsePreferenceArgs(args)
			if err != nil {
				return err
			}

			var store notify.PreferenceStore = notify.NewMemoryPreferenceStore()
			if cfg.EventBus.Enabled {
				client := redis.NewClient(&redis.Options{Addr: cfg.EventBus.Addr})
				defer func() { _ = client.Close() }()
				store = notify.NewRedisPreferenceStore(client, cfg.Notifications.RedisPrefix)
			} else if len(changes) > 0 {
				log.Warn().Msg("event bus disabled, preference changes are not persisted")
			}

			ctx := cmd.Context()
			prefs, err := loadPreferences(ctx, store, userID, cfg.Notifications.Defaults())
			if err != nil {
				return err
			}
			if len(changes) > 0 {
				prefs = lo.Assign(prefs, changes)
				if err := store.Save(ctx, userID, prefs); err != nil {
					return err
				}
			}
			printPreferences(cmd, prefs)
			return nil
		},
	}
}

// parsePreferenceArgs accepts "category=on|off" pairs. Categories match
// case-insensitively.
func parsePreferenceArgs(args []string) (notify.Preferences, error) {
	changes := notify.Preferences{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, errors.Errorf("expected category=on|off, got %q", arg)
		}
		c, ok := lo.Find(notify.KnownCategories, func(c notify.Category) bool {
			return strings.EqualFold(string(c), key)
		})
		if !ok {
			return nil, errors.Errorf("unknown category %q", key)
		}
		switch strings.ToLower(value) {
		case "on", "true", "1", "yes":
			changes[c] = true
		case "off", "false", "0", "no":
			changes[c] = false
		default:
			return nil, errors.Errorf("invalid value %q for %s", value, c)
		}
	}
	return changes, nil
}

func printPreferences(cmd *cobra.Command, prefs notify.Preferences) {
	categories := lo.Map(notify.KnownCategories, func(c notify.Category, _ int) string { return string(c) })
	sort.Strings(categories)
	for _, c := range categories {
		fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", c,
			lo.Ternary(prefs.Enabled(notify.Category(c)), "on", "off"))
	}
}
