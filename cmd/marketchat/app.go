package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/escrow"
	"github.com/go-go-golems/marketchat/pkg/eventbus"
	"github.com/go-go-golems/marketchat/pkg/eventloop"
	"github.com/go-go-golems/marketchat/pkg/identity"
	"github.com/go-go-golems/marketchat/pkg/notify"
	"github.com/go-go-golems/marketchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/marketchat/pkg/restapi"
	"github.com/go-go-golems/marketchat/pkg/signaling"
)

// app owns every long-lived component of a chat session.
type app struct {
	cfg    *config.Config
	userID string

	loop      *eventloop.Loop
	channel   *signaling.Channel
	coord     *chat.Coordinator
	router    *notify.Router
	inbox     *notify.Inbox
	prefs     notify.PreferenceStore
	store     chatstore.MessageStore
	redis     redis.UniversalClient
	bus       *eventbus.Bus
	mirror    *eventbus.Mirror
	dashboard *escrow.Dashboard

	cancel context.CancelFunc
	eg     *errgroup.Group
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	userID, err := identity.Resolve(cfg.Server.UserID, cfg.Server.Token)
	if err != nil {
		return nil, errors.Wrap(err, "resolve user id (set server.user_id or server.token)")
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	a := &app{
		cfg:    cfg,
		userID: userID,
		loop:   eventloop.New(),
		inbox:  notify.NewInbox(cfg.Notifications.InboxSize),
		cancel: cancel,
		eg:     eg,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	eg.Go(func() error { return a.loop.Run(runCtx) })

	if a.store, err = openStore(cfg.Store); err != nil {
		return nil, err
	}

	if cfg.EventBus.Enabled {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.EventBus.Addr})
		if a.bus, err = eventbus.NewRedisBus(a.redis, cfg.EventBus.Group, cfg.EventBus.Consumer,
			eventbus.NewWatermillLogger(log.With().Str("component", "eventbus").Logger())); err != nil {
			return nil, err
		}
		a.mirror = eventbus.NewMirror(a.bus.Publisher, userID)
		a.prefs = notify.NewRedisPreferenceStore(a.redis, cfg.Notifications.RedisPrefix)
	} else {
		a.prefs = notify.NewMemoryPreferenceStore()
	}

	prefs, err := loadPreferences(ctx, a.prefs, userID, cfg.Notifications.Defaults())
	if err != nil {
		return nil, err
	}
	a.router = notify.NewRouter(prefs)

	var history chat.HistoryService
	if cfg.Server.APIBaseURL != "" {
		api, err := newAPIClient(cfg)
		if err != nil {
			return nil, err
		}
		history = restapi.NewHistoryClient(api, userID)
		a.dashboard = escrow.NewDashboard(escrow.NewClient(api), escrow.DashboardOptions{})
	}

	a.channel = signaling.NewChannel(a.loop, signaling.WebsocketDialer{
		Token:            cfg.Server.Token,
		HandshakeTimeout: cfg.Signaling.DialTimeout,
	}, cfg.Signaling.Options())

	if err := a.loop.Call(ctx, func() {
		a.router.Subscribe(a.inbox)
		if a.dashboard != nil {
			a.router.Subscribe(a.dashboard)
		}
		a.channel.OnWarning(func(w *signaling.BackpressureWarning) {
			log.Warn().Err(w).Str("component", "signaling").Msg("outbound buffer overflow")
		})
	}); err != nil {
		return nil, err
	}

	a.coord, err = chat.New(ctx, a.loop, a.channel, chat.Options{
		UserID:      userID,
		AckTimeout:  cfg.Chat.AckTimeout,
		TypingQuiet: cfg.Chat.TypingQuiet,
		Call:        cfg.Call.Options(),
		History:     history,
		Store:       a.store,
		Router:      a.router,
	})
	if err != nil {
		return nil, err
	}
	if a.mirror != nil {
		if err := a.coord.Subscribe(ctx, a.mirror); err != nil {
			return nil, err
		}
	}
	if a.dashboard != nil {
		eg.Go(func() error {
			if err := a.dashboard.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return a, nil
}

func (a *app) Connect(ctx context.Context) error {
	return a.channel.Connect(ctx, a.cfg.Server.SignalingURL)
}

// SetPreference toggles one category, persists the set and applies it to
// the router.
func (a *app) SetPreference(ctx context.Context, c notify.Category, enabled bool) (notify.Preferences, error) {
	var prefs notify.Preferences
	if err := a.loop.Call(ctx, func() {
		prefs = a.router.Preferences()
		prefs[c] = enabled
		a.router.SetPreferences(prefs)
	}); err != nil {
		return nil, err
	}
	return prefs, a.prefs.Save(ctx, a.userID, prefs)
}

// Close tears down in reverse order of construction.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.coord != nil {
		if err := a.coord.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("close coordinator")
		}
	}
	if a.channel != nil {
		if err := a.channel.Close(ctx); err != nil {
			log.Debug().Err(err).Msg("close signaling channel")
		}
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	} else if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.cancel()
	if err := a.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("background task failed")
	}
}

func openStore(cfg config.StoreConfig) (chatstore.MessageStore, error) {
	if cfg.Path == "" {
		return chatstore.NewInMemoryMessageStore(cfg.MemoryLimit), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}
	dsn, err := chatstore.SQLiteDSNForFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteMessageStore(dsn)
}

func newAPIClient(cfg *config.Config) (*restapi.Client, error) {
	return restapi.NewClient(restapi.ClientOptions{
		BaseURL:  cfg.Server.APIBaseURL,
		Token:    cfg.Server.Token,
		RetryMax: cfg.Server.APIRetries,
		Timeout:  cfg.Server.APITimeout,
	})
}

// loadPreferences overlays the user's stored choices on the configured
// defaults.
func loadPreferences(ctx context.Context, store notify.PreferenceStore, userID string, defaults notify.Preferences) (notify.Preferences, error) {
	stored, err := store.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Assign(notify.Preferences{}, defaults, stored), nil
}
