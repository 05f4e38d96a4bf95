package state

import (
	"crypto/tls"
	"fmt"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/school"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/telegram"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/config"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/health"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/lifecycle"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/logging"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/security"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/repository"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/backup"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/bot"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/command"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/dlq"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/match"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/rating"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/services/verify"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util/retry"
)

// updateKinds lists the update types the bot consumes. Telegram drops
// everything else before delivery.
var updateKinds = []string{"message", "my_chat_member"}

// Services is the wired domain layer plus the maps the lifecycle and health
// controllers are driven by. Transport is the long poller or the webhook
// server, depending on configuration.
type Services struct {
	Store     *repository.Store
	Engine    *match.Engine
	Router    *command.Router
	Verifier  *verify.Service
	Letters   *dlq.Service
	Bot       *bot.Service
	Transport lifecycle.ServiceLifecycle
	Backup    *backup.Service

	Lifecycle    map[string]lifecycle.ServiceLifecycle
	Dependencies map[string][]string
	Pingables    map[string]health.Pingable
}

func CreateServices(cfg *config.Config, clients *Clients, loggerFactory *logging.LoggerFactory) (*Services, error) {
	store, err := repository.NewStore(repository.StoreOptions{
		Client:        clients.PostgreSQL,
		InitialRating: cfg.Rating.InitialRating,
		Logger:        loggerFactory.Child("repository"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	calculator, err := rating.NewCalculator(rating.Options{
		KFactor:   cfg.Rating.KFactor,
		MaxRating: cfg.Rating.MaxRating,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rating calculator: %w", err)
	}

	engine, err := match.NewEngine(match.Options{
		Groups:     store.Groups,
		Players:    store.Players,
		Matches:    store.Matches,
		History:    store.History,
		Tx:         store,
		Calculator: calculator,
		UndoWindow: cfg.Undo.Window,
		Retry: retry.Config{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
		},
		Logger: loggerFactory.Child("service.match"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create match engine: %w", err)
	}

	admins, err := bot.NewAdminChecker(bot.AdminCheckerOptions{
		Gateway: clients.Telegram,
		Logger:  loggerFactory.Child("service.bot.admins"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin checker: %w", err)
	}

	router, err := command.NewRouter(command.RouterOptions{
		Topics: store.Groups,
		Admins: admins,
		BotUsername: func() string {
			if me := clients.Telegram.Me(); me != nil {
				return me.Username
			}
			return ""
		},
		TopicsEnabled: cfg.Topics.Enabled,
		Logger:        loggerFactory.Child("service.command"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create command router: %w", err)
	}

	verifier, err := verify.NewService(verify.Options{
		School:     clients.School,
		Players:    store.Players,
		Audit:      store.Verifications,
		SuccessTTL: cfg.School.SuccessTTL,
		FailureTTL: cfg.School.FailureTTL,
		Logger:     loggerFactory.Child("service.verify"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create verify service: %w", err)
	}

	letters, err := dlq.NewService(dlq.Options{
		Ops:    store.FailedOps,
		Logger: loggerFactory.Child("service.dlq"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dlq service: %w", err)
	}

	botService, err := bot.NewService(bot.Options{
		Gateway:    clients.Telegram,
		Router:     router,
		Engine:     engine,
		Verifier:   verifier,
		Groups:     store.Groups,
		Players:    store.Players,
		Matches:    store.Matches,
		Letters:    letters,
		Admins:     admins,
		Self:       clients.Telegram.Me,
		NumWorkers: cfg.Bot.NumWorkers,
		QueueSize:  cfg.Bot.QueueSize,
		Logger:     loggerFactory.Child("service.bot"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot service: %w", err)
	}

	transport, err := createTransport(cfg, clients, botService, loggerFactory)
	if err != nil {
		return nil, err
	}

	services := &Services{
		Store:     store,
		Engine:    engine,
		Router:    router,
		Verifier:  verifier,
		Letters:   letters,
		Bot:       botService,
		Transport: transport,
		Lifecycle: map[string]lifecycle.ServiceLifecycle{
			postgresql.PingTargetName: clients.PostgreSQL,
			telegram.PingTargetName:   clients.Telegram,
			school.PingTargetName:     clients.School,
			"verify":                  verifier,
			"bot":                     botService,
			"transport":               transport,
		},
		// The transport starts last and stops first, so no update reaches
		// the bot before its workers run, and none is lost on shutdown.
		Dependencies: map[string][]string{
			"verify":    {school.PingTargetName},
			"bot":       {postgresql.PingTargetName, telegram.PingTargetName, "verify"},
			"transport": {"bot"},
		},
		Pingables: map[string]health.Pingable{
			postgresql.PingTargetName: clients.PostgreSQL,
			telegram.PingTargetName:   clients.Telegram,
			school.PingTargetName:     clients.School,
		},
	}

	if cfg.Backup.Enabled {
		backupService, err := backup.NewService(backup.Options{
			DatabaseURL: string(cfg.Database.URL),
			Dir:         cfg.Backup.Dir,
			PgDump:      cfg.Backup.PgDump,
			Interval:    cfg.Backup.Interval,
			Retention:   cfg.Backup.Retention,
			Logger:      loggerFactory.Child("service.backup"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create backup service: %w", err)
		}
		services.Backup = backupService
		services.Lifecycle["backup"] = backupService
		services.Dependencies["backup"] = []string{postgresql.PingTargetName}
	}

	return services, nil
}

func createTransport(cfg *config.Config, clients *Clients, botService *bot.Service, loggerFactory *logging.LoggerFactory) (lifecycle.ServiceLifecycle, error) {
	switch cfg.Bot.Mode {
	case "webhook":
		var tlsConfig *tls.Config
		if cfg.Bot.Webhook.Certificate != "" {
			var err error
			tlsConfig, err = security.ServerTLSConfig(cfg.Bot.Webhook.Certificate, cfg.Bot.Webhook.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to load webhook certificate: %w", err)
			}
		}

		server, err := telegram.NewWebhookServer(telegram.WebhookServerOptions{
			Client:         clients.Telegram,
			Handler:        botService.HandleUpdate,
			PublicURL:      cfg.Bot.Webhook.PublicURL,
			Path:           cfg.Bot.Webhook.Path,
			Port:           cfg.Bot.Webhook.Port,
			Secret:         cfg.Bot.Webhook.Secret,
			ExtraCIDRs:     cfg.Bot.Webhook.AllowedCIDRs,
			AllowedUpdates: updateKinds,
			TLSConfig:      tlsConfig,
			Logger:         loggerFactory.Child("client.telegram.webhook"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook server: %w", err)
		}
		return server, nil

	case "polling":
		poller, err := telegram.NewLongPoller(telegram.LongPollerOptions{
			Client:         clients.Telegram,
			Handler:        botService.HandleUpdate,
			PollTimeout:    cfg.Bot.PollTimeout,
			AllowedUpdates: updateKinds,
			Logger:         loggerFactory.Child("client.telegram.longpoll"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create long poller: %w", err)
		}
		return poller, nil

	default:
		return nil, fmt.Errorf("unknown bot mode %q", cfg.Bot.Mode)
	}
}
