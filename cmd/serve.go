package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dayuer/inboxd/internal/auth"
	"github.com/dayuer/inboxd/internal/broadcast"
	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/channels"
	"github.com/dayuer/inboxd/internal/config"
	"github.com/dayuer/inboxd/internal/lane"
	"github.com/dayuer/inboxd/internal/metrics"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/presence"
	"github.com/dayuer/inboxd/internal/redis"
	"github.com/dayuer/inboxd/internal/registry"
	"github.com/dayuer/inboxd/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Run the inbox server in the foreground",
	Long: `Run the inboxd server:
  - REST API under /auth, /channels, /inbox, /agents and /generate
  - websocket event stream on /ws
  - Meta webhook on /webhooks/meta
  - Prometheus metrics on /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := os.Stat(pidFilePath()); os.IsNotExist(err) {
		if err := writePID(os.Getpid()); err == nil {
			defer removePID()
		}
	}
	return serve(ctx, cfg, log)
}

// serve wires every component and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("starting inboxd", zap.String("version", Version), zap.String("env", cfg.Env), zap.String("store", cfg.Store.Driver))

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if n, err := seedAgents(ctx, st, cfg.SeedFile, log); err != nil {
		return err
	} else if n > 0 {
		log.Info("agents seeded", zap.Int("count", n))
	}

	authSvc, err := auth.NewService(cfg.Auth.JWTSecret, cfg.TokenTTL(), st)
	if err != nil {
		return err
	}

	m := metrics.New()
	msgBus := bus.NewMessageBus(cfg.Registry.BusSize)
	lanes := lane.NewManager(lane.ManagerConfig{QueueSize: cfg.Registry.LaneQueueSize, Logger: log})
	defer lanes.Stop()

	cache := redis.Connect(ctx, redis.Config{URL: cfg.Redis.URL, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, log)
	defer cache.Close()

	hub := broadcast.NewHub(broadcast.HubConfig{QueueSize: cfg.Broadcast.QueueSize, Logger: log, Metrics: m})
	tracker := presence.NewTracker(st, hub, log)

	mgr := channels.NewManager(channels.ManagerConfig{
		Store:          st,
		Bus:            msgBus,
		Cache:          cache,
		Hub:            hub,
		PairingTimeout: cfg.PairingTimeout(),
		Metrics:        m,
		Logger:         log,
	})
	waDB, err := registerAdapters(ctx, cfg, mgr, log)
	if err != nil {
		return err
	}
	if waDB != nil {
		defer waDB.Close()
	}

	reg := registry.New(registry.Config{
		Store:       st,
		Sender:      mgr,
		Hub:         hub,
		Lanes:       lanes,
		Bus:         msgBus,
		SendTimeout: cfg.SendTimeout(),
		Metrics:     m,
		Logger:      log,
	})

	ws := broadcast.NewHandler(broadcast.HandlerConfig{
		Hub:              hub,
		Auth:             authSvc,
		Presence:         tracker,
		Typing:           reg.Typing,
		Logger:           log,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		CheckOrigin:      originChecker(cfg.Server.AllowedOrigins),
	})

	srvCfg := server.Config{
		Addr:           cfg.Addr(),
		Production:     cfg.Production(),
		Auth:           authSvc,
		Channels:       mgr,
		Inbox:          reg,
		Agents:         st,
		Presence:       tracker,
		Hub:            hub,
		WS:             ws,
		Store:          st,
		Lanes:          lanes,
		Metrics:        m.Handler(),
		Logger:         log,
		LoginPerMinute: cfg.RateLimit.LoginPerMinute,
		APIPerSecond:   cfg.RateLimit.APIPerSecond,
		APIBurst:       cfg.RateLimit.APIBurst,
	}
	if cfg.Meta.Enabled && cfg.Meta.VerifyToken != "" {
		srvCfg.Webhook = channels.NewWebhook(channels.WebhookConfig{
			VerifyToken: cfg.Meta.VerifyToken,
			AppSecret:   cfg.Meta.AppSecret,
			Channels:    st,
			Bus:         msgBus,
			Logger:      log,
		})
	}
	if gen := makeGenerator(cfg, st, log); gen != nil {
		srvCfg.Generator = gen
	}
	srv := server.New(srvCfg)

	// the bus outlives the HTTP server so in-flight sends can settle
	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBus()
	var g errgroup.Group
	g.Go(func() error {
		msgBus.Dispatch(busCtx)
		return nil
	})
	g.Go(func() error {
		n, err := mgr.Restore(ctx)
		if err != nil {
			log.Error("restore sessions", zap.Error(err))
			return nil
		}
		log.Info("sessions restored", zap.Int("count", n))
		return nil
	})

	runErr := srv.Run(ctx)
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	stopBus()
	_ = g.Wait()
	msgBus.Drain(shutdownCtx)

	if runErr != nil {
		return fmt.Errorf("server: %w", runErr)
	}
	log.Info("stopped")
	return nil
}

// registerAdapters installs the platform adapters enabled in cfg. The
// returned database is the WhatsApp device store, if one was opened.
func registerAdapters(ctx context.Context, cfg config.Config, mgr *channels.Manager, log *zap.Logger) (*sql.DB, error) {
	var waDB *sql.DB
	if cfg.WhatsApp.Enabled {
		db, dialect, err := channels.OpenWhatsAppStore(ctx, cfg.WhatsApp.StoreDSN)
		if err != nil {
			return nil, err
		}
		wa, err := channels.NewWhatsAppAdapter(ctx, db, dialect, log)
		if err != nil {
			db.Close()
			return nil, err
		}
		mgr.Register(model.PlatformWhatsApp, wa)
		waDB = db
	}
	if cfg.Meta.Enabled {
		mc := channels.MetaConfig{GraphURL: cfg.Meta.GraphURL, Subscribe: cfg.Meta.Subscribe, Logger: log}
		mgr.Register(model.PlatformFacebook, channels.NewMetaAdapter(model.PlatformFacebook, mc))
		mgr.Register(model.PlatformInstagram, channels.NewMetaAdapter(model.PlatformInstagram, mc))
	}
	return waDB, nil
}

// originChecker accepts any origin when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}
