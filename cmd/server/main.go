package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"creditengine/entity"
	"creditengine/impl/auth"
	"creditengine/impl/core"
	"creditengine/internal/config"
	"creditengine/internal/database"
	"creditengine/internal/database/memory"
	"creditengine/internal/http-server/api"
	"creditengine/internal/metrics"
	"creditengine/internal/notify"
	"creditengine/internal/payment"
	"creditengine/internal/ratelimit"
	"creditengine/internal/stripeclient"
	"creditengine/lib/logger"
	"creditengine/lib/sl"

	"golang.org/x/sync/errgroup"
)

const logFileName = "creditengine.log"

type store interface {
	core.Store
	payment.Store
	auth.Database
	SaveUser(ctx context.Context, user *entity.User) error
}

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	log := logger.SetupLogger(conf.Env, filepath.Join(*logPath, logFileName))
	log.Info("starting credit engine", slog.String("config", *configPath), slog.String("env", conf.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tg *notify.Telegram
	if conf.Telegram.Enabled {
		var err error
		tg, err = notify.NewTelegram(conf.Telegram.ApiKey, conf.Telegram.AdminChatIDs, log)
		if err != nil {
			log.Error("telegram bot", sl.Err(err))
		} else {
			log = slog.New(logger.NewTelegramHandler(log.Handler(), tg, slog.LevelWarn))
		}
	}

	var db store
	var mongo *database.MongoDB
	if conf.Mongo.Enabled {
		var err error
		mongo, err = database.NewMongoClient(ctx, conf)
		if err != nil {
			log.Error("mongo client", sl.Err(err))
			os.Exit(1)
		}
		db = mongo
		log.With(
			slog.String("host", conf.Mongo.Host),
			slog.String("database", conf.Mongo.Database),
		).Info("mongo client initialized")
	} else {
		db = memory.New()
		log.Warn("mongo disabled, using in-memory ledger store")
	}

	if conf.Admin.Token != "" {
		err := db.SaveUser(ctx, &entity.User{
			UserID:    conf.Admin.UserID,
			Name:      conf.Admin.Name,
			Token:     conf.Admin.Token,
			Role:      entity.RoleAdmin,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			log.Error("seed admin user", sl.Err(err))
		}
	}

	var limiter ratelimit.Limiter
	var redisLimiter *ratelimit.RedisLimiter
	var memoryLimiter *ratelimit.MemoryLimiter
	if conf.RateLimit.Backend == "redis" {
		client, err := ratelimit.NewRedisClient(ctx, conf.Redis)
		if err != nil {
			log.Error("redis client", sl.Err(err))
			os.Exit(1)
		}
		redisLimiter = ratelimit.NewRedisLimiter(client, conf.Redis.Prefix, nil)
		limiter = redisLimiter
	} else {
		memoryLimiter = ratelimit.NewMemoryLimiter(nil)
		limiter = memoryLimiter
	}

	var m *metrics.Metrics
	if conf.Metrics.Enabled {
		m = metrics.New()
	}

	payments := payment.NewController(db, log)
	payments.SetMetrics(m)

	handler := core.New(db, options(conf), log)
	handler.SetAuthService(auth.New(db, time.Minute))
	handler.SetRateLimiter(limiter)
	handler.SetMetrics(m)
	handler.SetPaymentController(payments)
	handler.SetProviderFactory(providerFactory(conf, log))
	if tg != nil {
		payments.SetNotifier(tg)
		handler.SetNotifier(tg)
		tg.SetStatusSource(handler)
	}

	if err := handler.EnsureSettings(ctx); err != nil {
		log.Error("ensure settings", sl.Err(err))
		os.Exit(1)
	}
	setupProviders(ctx, conf, log, handler, payments)

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}
	server := api.New(conf, log, handler, metricsHandler)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if memoryLimiter != nil {
		g.Go(func() error {
			memoryLimiter.Run(gCtx, time.Minute)
			return nil
		})
	}
	if tg != nil {
		g.Go(func() error {
			if err := tg.Start(); err != nil {
				log.Error("telegram bot", sl.Err(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if tg != nil {
			tg.Stop()
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped", sl.Err(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if redisLimiter != nil {
		_ = redisLimiter.Close()
	}
	if mongo != nil {
		if err := mongo.Close(closeCtx); err != nil {
			log.Error("mongo disconnect", sl.Err(err))
		}
	}
	log.Info("credit engine stopped")
}

func options(conf *config.Config) core.Options {
	opts := core.DefaultOptions()
	opts.MaxGiftAmount = conf.Credits.MaxGiftAmount
	opts.DailyGiftCap = conf.Credits.DailyGiftCap
	opts.MaxAdminAdjust = conf.Credits.MaxAdminAdjust
	opts.WelcomeCredits = conf.Credits.WelcomeCredits
	opts.HistoryLimit = conf.Credits.HistoryLimit
	opts.SettingsTTL = conf.Credits.SettingsTTL()
	rl := conf.RateLimit
	opts.GiftLimits = []ratelimit.Limit{ratelimit.PerHour(rl.GiftPerHour), ratelimit.PerDay(rl.GiftPerDay)}
	opts.PromoLimits = []ratelimit.Limit{ratelimit.PerHour(rl.PromoPerHour), ratelimit.PerDay(rl.PromoPerDay)}
	opts.UsageLimits = []ratelimit.Limit{ratelimit.PerMinute(rl.UsagePerMinute)}
	return opts
}

func stripeConfig(conf *config.Config, name entity.ProviderName) config.StripeConfig {
	if name == entity.ProviderSecondary {
		return conf.StripeBackup
	}
	return conf.Stripe
}

// providerFactory builds clients for credentials set through the admin API.
func providerFactory(conf *config.Config, log *slog.Logger) core.ProviderFactory {
	return func(name entity.ProviderName, kind string, creds entity.ProviderCredentials) (core.PaymentProvider, error) {
		if kind != "stripe" {
			return nil, fmt.Errorf("unsupported provider kind %q", kind)
		}
		sc := stripeConfig(conf, name)
		return stripeclient.New(name, stripeclient.Options{
			APIKey:        creds.APIKey,
			WebhookSecret: creds.WebhookSecret,
			SuccessURL:    sc.SuccessURL,
			CancelURL:     sc.CancelURL,
		}, log), nil
	}
}

// setupProviders prefers credentials stored through the admin API over the config file.
func setupProviders(ctx context.Context, conf *config.Config, log *slog.Logger, handler *core.Core, payments *payment.Controller) {
	for _, name := range []entity.ProviderName{entity.ProviderPrimary, entity.ProviderSecondary} {
		sc := stripeConfig(conf, name)
		opts := stripeclient.Options{
			APIKey:        sc.APIKey,
			WebhookSecret: sc.WebhookSecret,
			SuccessURL:    sc.SuccessURL,
			CancelURL:     sc.CancelURL,
		}
		creds, err := payments.Credentials(ctx, name)
		if err != nil {
			log.With(sl.Err(err), slog.String("provider", string(name))).Warn("load stored credentials")
		}
		if creds.Configured {
			opts.APIKey = creds.APIKey
			opts.WebhookSecret = creds.WebhookSecret
		}
		if opts.APIKey == "" {
			continue
		}
		handler.SetProvider(name, stripeclient.New(name, opts, log))
		log.With(slog.String("provider", string(name))).Info("payment provider configured")
	}
}
