package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.yaml.in/yaml/v3"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/config"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/health"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/lifecycle"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/logging"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/state"
)

const defaultConfigPath = "/app/config/config.yaml"

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		showVersion bool
		extraConfig string
	)
	flag.BoolVar(&showVersion, "version", false, "print the version and exit")
	flag.StringVar(&extraConfig, "config", "", "path to an extra config file layered over the default one")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	configPaths := []string{defaultConfigPath}
	if extraConfig != "" {
		configPaths = append(configPaths, extraConfig)
	}

	cfg, err := config.Load(config.LoadConfigOptions{
		YamlFilePaths: configPaths,
		EnvVarPrefix:  "TTBOT_",
	})
	if err != nil {
		panic(fmt.Sprintf("Error loading config: %+v", err))
	}

	loggerFactory, err := logging.NewFactory(&logging.Options{
		AppInstanceID: cfg.Application.InstanceName,
		AppVersion:    cfg.Application.Version,
		AppCommit:     cfg.Application.Commit,
		AppBuildDate:  cfg.Application.BuildTime,
		RootLevel:     cfg.Logging.RootLevel,
		LiteralLevels: cfg.Logging.LiteralLevels,
		RegexLevels:   cfg.Logging.RegexLevels,
		PrettyPrint:   cfg.Logging.PrettyPrint,
	})
	if err != nil {
		panic(fmt.Sprintf("Error creating logger factory: %+v", err))
	}
	logger := loggerFactory.Child("main")

	// Secret-typed fields marshal masked, so the echo is safe to ship to
	// log aggregation.
	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to marshal config")
	}
	logger.Info().Msgf("Using config:\n%s", string(cfgBytes))

	clients, err := state.CreateClients(cfg, loggerFactory)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create clients")
	}

	services, err := state.CreateServices(cfg, clients, loggerFactory)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create services")
	}

	lifecycleController, err := lifecycle.NewController(lifecycle.ControllerOptions{
		Services:     services.Lifecycle,
		Dependencies: services.Dependencies,
		Logger:       loggerFactory.Child("lifecycle.controller"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create lifecycle controller")
	}
	if err := lifecycleController.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	defer lifecycleController.Stop(context.Background())

	healthController, err := health.NewController(&health.ControllerConfig{
		Dependencies: services.Pingables,
		CheckFrequency: health.CheckFrequencyConfig{
			PingTimeout:         cfg.Health.PingTimeout,
			ShallowInterval:     cfg.Health.ShallowInterval,
			DeepInterval:        cfg.Health.DeepInterval,
			DeepEveryNthShallow: cfg.Health.DeepEveryNthShallow,
		},
		Logger: loggerFactory.Child("health.controller"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create health controller")
	}
	healthController.Start()
	defer healthController.Stop()

	logger.Info().Msgf("%s %s is up", cfg.Application.Name, cfg.Application.Version)
	blockOnSignal(syscall.SIGINT, syscall.SIGTERM)
	logger.Info().Msg("Shutdown signal received")
}

func blockOnSignal(signals ...os.Signal) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signals...)
	<-sigChan
}
