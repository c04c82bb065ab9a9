package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blinders/internal/config"
	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/handler"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/media"
	"github.com/blinders/internal/middleware"
	"github.com/blinders/internal/presence"
	"github.com/blinders/internal/push"
	"github.com/blinders/internal/repository"
	"github.com/blinders/internal/service"
	"github.com/blinders/internal/snowflake"
	"github.com/blinders/internal/startup"
	"github.com/blinders/internal/storage"
	"github.com/blinders/internal/storage/devstore"
	"github.com/blinders/internal/storage/memory"
	redisstorage "github.com/blinders/internal/storage/redis"
	"github.com/blinders/internal/storage/scylla"
	"github.com/blinders/internal/ws"
	"github.com/blinders/migrations"
)

const (
	fanoutBufSize  = 256
	limiterSweep   = 5 * time.Minute
	connectTimeout = 60 * time.Second
)

// stores: выбранные реализации хранилищ; closers вызываются при остановке в обратном порядке.
type stores struct {
	users     storage.UserStore
	sessions  storage.SessionStore
	gate      storage.GateStore
	messages  storage.MessageLog
	reactions storage.ReactionStore
	push      storage.PushStore
	redis     *redisstorage.Client
	closers   []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Flush()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	st := openStores(cfg, *dev, *migrate)
	if st == nil {
		return
	}
	defer st.close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	goBackground := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(rootCtx)
		}()
	}

	local := fanout.NewLocal(fanoutBufSize)
	bus := selectBus(cfg, local, st, goBackground)

	// NODE_ID уникален в кластере, поэтому годится как origin синков присутствия
	trackerOpts := []presence.Option{presence.WithOrigin(fmt.Sprintf("node-%d", cfg.NodeID))}
	if st.redis != nil {
		trackerOpts = append(trackerOpts, presence.WithMirror(presence.NewRedisMirror(st.redis.Redis())))
	}
	tracker := presence.NewTracker(bus, trackerOpts...)
	goBackground(tracker.Run)

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Errorf("snowflake: %v", err)
		os.Exit(1)
	}

	gate := service.NewGate(st.users, st.sessions, st.gate, service.GateConfig{
		JWTSecret:         cfg.Auth.JWTSecret,
		CredentialTTL:     cfg.Auth.CredentialTTL,
		UnlockTTL:         cfg.Auth.UnlockTTL,
		PasscodeHash:      cfg.Auth.UnlockPasscodeHash,
		MaxUnlockAttempts: cfg.Auth.MaxUnlockAttempts,
	})
	if cfg.Auth.UnlockPasscodeHash == "" {
		logger.Error("UNLOCK_PASSCODE_HASH не задан: разблокировка невозможна")
	}
	userSvc := service.NewUserService(st.users, gate)
	reactionSvc := service.NewReactionService(st.reactions, st.messages, bus)
	messageSvc := service.NewMessageService(st.messages, reactionSvc, st.users, bus, node)

	vapid, err := push.EnsureVAPIDKeys(cfg.VAPIDKeysFile)
	if err != nil {
		logger.Errorf("vapid keys: %v (push disabled)", err)
	}
	notifier := push.NewNotifier(st.push, vapid, cfg.VAPIDSubject)
	messageSvc.WithDMNotifier(notifier, tracker)

	seedCtx, seedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := userSvc.EnsureAdmin(seedCtx, cfg.Admin.BlindersID, cfg.Admin.DisplayName, cfg.Admin.Password); err != nil {
		logger.Errorf("bootstrap admin: %v", err)
	}
	seedCancel()

	hub := ws.NewHub(bus, tracker, messageSvc, reactionSvc, cfg.MaxWSConnections)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	limiter := middleware.NewRateLimiter()
	goBackground(func(ctx context.Context) {
		t := time.NewTicker(limiterSweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Sweep()
			}
		}
	})

	router := handler.NewRouter(handler.Deps{
		Gate:               gate,
		Users:              userSvc,
		Messages:           messageSvc,
		Reactions:          reactionSvc,
		Tracker:            tracker,
		Hub:                hub,
		Media:              media.NewStore(cfg.MediaDir),
		Notifier:           notifier,
		Limiter:            limiter,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsSecret:      cfg.MetricsSecret,
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s (store=%s fanout=%s)", cfg.ServerAddr, cfg.MessageStore, cfg.FanoutBackend)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	rootCancel()
	bg.Wait()
	local.Close()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// openStores подключает хранилища по MESSAGE_STORE. Возвращает nil, если процесс запущен только ради миграций.
func openStores(cfg *config.Config, dev, migrateOnly bool) *stores {
	st := &stores{}
	if cfg.RedisURL != "" {
		st.redis = startup.ConnectRedisWithRetry(cfg.RedisURL, connectTimeout, "")
		st.closers = append(st.closers, func() { _ = st.redis.Close() })
	}

	if cfg.MessageStore == config.StoreMemory && !dev {
		logger.Info("MESSAGE_STORE=memory: все данные в памяти процесса")
		st.users = memory.NewUserStore()
		st.sessions = memory.NewSessionStore()
		st.messages = memory.NewMessageLog()
		st.reactions = memory.NewReactionStore()
		if st.redis != nil {
			st.gate, st.push = st.redis, st.redis
		} else {
			gs := memory.NewGateStore()
			st.closers = append(st.closers, func() { _ = gs.Close() })
			st.gate, st.push = gs, memory.NewPushStore()
		}
		return st
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, connectTimeout, "")
	st.closers = append(st.closers, pool.Close)

	runMigrations(pool)
	if migrateOnly {
		st.close()
		return nil
	}
	logger.Info("database connected, migrations applied")

	sessionRepo := repository.NewSessionRepository(pool)
	st.users = repository.NewUserRepository(pool)
	st.sessions = sessionRepo
	st.reactions = repository.NewReactionRepository(pool)

	switch {
	case st.redis != nil:
		st.gate, st.push = st.redis, st.redis
	default:
		// без Redis гранты живут в таблице sessions, счётчики неудач в памяти
		ds := devstore.New(sessionRepo)
		st.closers = append(st.closers, func() { _ = ds.Close() })
		st.gate, st.push = ds, memory.NewPushStore()
	}

	if cfg.MessageStore == config.StoreScylla {
		session := startup.ConnectScyllaWithRetry(scylla.NewCluster(cfg.Scylla.Hosts, cfg.Scylla.Keyspace), connectTimeout, "")
		log := scylla.New(session)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := log.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Errorf("scylla schema: %v", err)
			os.Exit(1)
		}
		st.closers = append(st.closers, log.Close)
		st.messages = log
		logger.Infof("message log: scylla keyspace=%s", cfg.Scylla.Keyspace)
	} else {
		st.messages = repository.NewMessageRepository(pool)
	}
	return st
}

// selectBus оборачивает локальную шину мостом между инстансами, если он настроен.
func selectBus(cfg *config.Config, local *fanout.Local, st *stores, goBackground func(func(context.Context))) fanout.Bus {
	switch cfg.FanoutBackend {
	case config.FanoutRedis:
		if st.redis == nil {
			logger.Error("FANOUT_BACKEND=redis без REDIS_URL: используется локальная шина")
			return local
		}
		b := fanout.NewRedis(local, st.redis.Redis())
		goBackground(b.Run)
		return b
	case config.FanoutKafka:
		b := fanout.NewKafka(local, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		goBackground(b.Run)
		st.closers = append(st.closers, func() {
			if err := b.Close(); err != nil {
				logger.Errorf("kafka close: %v", err)
			}
		})
		return b
	}
	return local
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		logger.Errorf("list migrations: %v", err)
		os.Exit(1)
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := migrations.Files.ReadFile(f)
		if err != nil {
			logger.Errorf("read migration %s: %v", f, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", f, err)
			os.Exit(1)
		}
	}
	logger.Infof("migrations applied: %d", len(files))
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "blinders"
		password = "blinders_secret"
		database = "blinders"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
