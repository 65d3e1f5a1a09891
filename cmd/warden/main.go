package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/access"
	"github.com/HerbHall/warden/internal/audit"
	"github.com/HerbHall/warden/internal/auth"
	"github.com/HerbHall/warden/internal/ca"
	"github.com/HerbHall/warden/internal/config"
	"github.com/HerbHall/warden/internal/core"
	"github.com/HerbHall/warden/internal/event"
	"github.com/HerbHall/warden/internal/keys"
	"github.com/HerbHall/warden/internal/policy"
	"github.com/HerbHall/warden/internal/registry"
	"github.com/HerbHall/warden/internal/server"
	"github.com/HerbHall/warden/internal/session"
	"github.com/HerbHall/warden/internal/store"
	"github.com/HerbHall/warden/internal/version"
	"github.com/HerbHall/warden/pkg/models"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println(version.Info())
			return
		case "enroll":
			runEnroll(os.Args[2:])
			return
		case "verify-audit":
			runVerifyAudit(os.Args[2:])
			return
		case "export-audit":
			runExportAudit(os.Args[2:])
			return
		case "archive-audit":
			runArchiveAudit(os.Args[2:])
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBase(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer b.close()
	logger := b.logger

	logger.Info("Warden server starting", zap.String("version", version.Short()))

	svc, err := openServices(ctx, b)
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer svc.close()

	// Key manager, optionally backed by the internal CA.
	keyCfg := keys.Config{
		Algorithm:  models.KeyAlgorithm(strings.ToUpper(b.settings.Keys.Algorithm)),
		KeySize:    b.settings.Keys.KeySize,
		MinKeySize: b.settings.Keys.MinKeySize,
		Timeout:    b.settings.Security.BackendTimeout,
	}
	keyMgr, err := keys.NewManager(ctx, b.db, b.engine, b.recorder, b.env, keyCfg)
	if err != nil {
		logger.Fatal("failed to initialize key manager", zap.Error(err))
	}
	if caCfg := b.settings.Keys.CA; caCfg.Enabled {
		authority, err := ca.LoadOrGenerate(ca.Config{
			CertPath:     caCfg.CertPath,
			KeyPath:      caCfg.KeyPath,
			Organization: caCfg.Organization,
			Validity:     caCfg.Validity,
		}, logger.Named("ca"))
		if err != nil {
			logger.Fatal("failed to initialize certificate authority", zap.Error(err))
		}
		keyMgr.WithSigner(authority)
	}
	logger.Info("key manager initialized",
		zap.String("component", "keys"),
		zap.String("algorithm", string(keyCfg.Algorithm)),
		zap.Bool("ca_enabled", b.settings.Keys.CA.Enabled),
	)

	// Service access.
	svcDir, err := access.NewSQLDirectory(ctx, b.db)
	if err != nil {
		logger.Fatal("failed to initialize service directory", zap.Error(err))
	}
	evaluator := access.NewEvaluator(svcDir, b.recorder, b.env).
		WithTimeout(b.settings.Security.BackendTimeout)

	addr := b.settings.Server.Addr()
	trusted, err := server.ParseTrustedProxies(b.settings.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid server.trusted_proxies", zap.Error(err))
	}
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return b.db.DB().PingContext(ctx)
	})
	srv := server.New(server.Config{
		Addr:           addr,
		RateLimit:      b.settings.Server.RateLimit,
		RateBurst:      b.settings.Server.RateBurst,
		TrustedProxies: trusted,
	}, logger, readyCheck, svc.authHandler,
		server.NewKeysHandler(keyMgr, logger.Named("keys")),
		server.NewAccessHandler(evaluator, svcDir, logger.Named("access")),
		server.NewAuditHandler(b.recorder, logger.Named("audit")),
	)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("Warden server ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("Warden server stopped")
}

// base holds what every subcommand needs: settings, logging, the relational
// store, the policy engine and the audit recorder.
type base struct {
	viper    *viper.Viper
	settings config.Settings
	logger   *zap.Logger
	db       *store.Store
	env      core.Env
	engine   *policy.Engine
	recorder *audit.Recorder
}

func openBase(ctx context.Context, configPath string) (*base, error) {
	// Load configuration (before logger, so log level/format can be configured).
	v, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	settings, err := config.Snapshot(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := config.BuildLogger(settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	db, err := store.Open(ctx, settings.Database.Driver, settings.Database.DSN)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("driver", settings.Database.Driver),
	)

	bus := event.NewBus(logger.Named("event"))
	env := core.NewEnv(logger, bus)

	master := secretOrEphemeral(logger, settings.Security.MasterSecret, "security.master_secret")
	engine, err := policy.NewEngine(settings.Security.Policy, master, nil)
	policy.Zero(master)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize credential policy: %w", err)
	}

	rec, err := audit.NewRecorder(ctx, db, settings.Audit.Enabled, env)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit trail: %w", err)
	}
	logger.Info("audit trail initialized",
		zap.String("component", "audit"),
		zap.Bool("enabled", rec.Enabled()),
	)

	return &base{
		viper:    v,
		settings: settings,
		logger:   logger,
		db:       db,
		env:      env,
		engine:   engine,
		recorder: rec,
	}, nil
}

func (b *base) close() {
	if err := b.db.Close(); err != nil {
		b.logger.Error("database close error", zap.Error(err))
	}
	_ = b.logger.Sync()
}

// services holds the credential backend, session store and authenticator.
type services struct {
	backends    *registry.Registry
	sessions    session.Store
	authn       *auth.Authenticator
	authHandler *auth.Handler
	logger      *zap.Logger
}

func openServices(ctx context.Context, b *base) (*services, error) {
	logger := b.logger
	s := b.settings

	backends := registry.Default(logger.Named("registry"))
	cfg := config.New(b.viper)
	backend, err := backends.Open(ctx, s.Security.Backend, cfg.Backend(s.Security.Backend), registry.Deps{
		Store:  b.db,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("credential backend opened",
		zap.String("component", "registry"),
		zap.String("backend", backend.Name),
	)

	var sessions session.Store
	switch s.Session.Store {
	case "redis":
		rs, err := session.DialRedis(ctx, &redis.Options{
			Addr:     s.Session.RedisAddr,
			Password: s.Session.RedisPass,
			DB:       s.Session.RedisDB,
		}, s.Session.TTL)
		if err != nil {
			_ = backends.Close()
			return nil, err
		}
		sessions = rs
	default:
		sessions = session.NewMemoryStore(s.Session.TTL, b.env.Now)
	}
	logger.Info("session store initialized",
		zap.String("component", "session"),
		zap.String("store", s.Session.Store),
	)

	authn, err := auth.New(auth.Config{
		LockoutThreshold:  s.Security.LockoutThreshold,
		SecondFactor:      s.Security.SecondFactor,
		SecondFactorLimit: s.Security.SecondFactorLimit,
		ResetWindow:       s.Security.ResetWindow,
		ResetCodeLength:   s.Security.ResetCodeLength,
		SessionTTL:        s.Session.TTL,
		BackendTimeout:    s.Security.BackendTimeout,
		LoginRate:         s.Security.LoginRate,
		LoginBurst:        s.Security.LoginBurst,
	}, auth.Deps{
		Credentials: backend.Store,
		Sessions:    sessions,
		Engine:      b.engine,
		Audit:       b.recorder,
		Notifier:    logNotifier(logger.Named("reset"), s.Security.ResetTokensToLog),
		Env:         b.env,
	})
	if err != nil {
		_ = sessions.Close()
		_ = backends.Close()
		return nil, err
	}

	secret := secretOrEphemeral(logger, s.Session.TokenSecret, "session.token_secret")
	tokens, err := auth.NewTokenService(secret, authn.Config().Issuer, b.env.Now)
	if err != nil {
		_ = sessions.Close()
		_ = backends.Close()
		return nil, err
	}
	logger.Info("auth service initialized",
		zap.String("component", "auth"),
		zap.String("second_factor", authn.Config().SecondFactor),
		zap.Duration("session_ttl", authn.Config().SessionTTL),
	)

	return &services{
		backends:    backends,
		sessions:    sessions,
		authn:       authn,
		authHandler: auth.NewHandler(authn, tokens, logger.Named("auth")),
		logger:      logger,
	}, nil
}

func (s *services) close() {
	if err := s.sessions.Close(); err != nil {
		s.logger.Error("session store close error", zap.Error(err))
	}
	if err := s.backends.Close(); err != nil {
		s.logger.Error("credential backend close error", zap.Error(err))
	}
}

// secretOrEphemeral returns the configured secret, or 32 random bytes when
// none is set. Anything protected by an ephemeral secret is lost on restart.
func secretOrEphemeral(logger *zap.Logger, configured, key string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		logger.Fatal("failed to generate secret", zap.String("key", key), zap.Error(err))
	}
	logger.Warn("using auto-generated secret; set it in config to survive restarts",
		zap.String("key", key),
	)
	return []byte(hex.EncodeToString(b))
}

// logNotifier writes reset notices to the log. Production deployments
// replace it with a mail or chat integration. The token and code are only
// written when revealTokens is set, and then at debug level.
func logNotifier(logger *zap.Logger, revealTokens bool) auth.Notifier {
	if revealTokens {
		logger.Warn("reset tokens are written to the debug log; do not use in production")
	}
	return auth.NotifierFunc(func(_ context.Context, n auth.ResetNotice) error {
		logger.Info("password reset initiated",
			zap.String("identity_id", n.IdentityID),
			zap.String("username", n.Username),
			zap.Time("expires_at", n.ExpiresAt),
			zap.Bool("has_code", n.Code != ""),
		)
		if revealTokens {
			logger.Debug("reset delivery",
				zap.String("identity_id", n.IdentityID),
				zap.String("token", n.Token),
				zap.String("code", n.Code),
			)
		}
		return nil
	})
}
