package state

import (
	"fmt"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/postgresql"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/school"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/clients/telegram"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/config"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/logging"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/security"
)

// Clients holds every outbound connection the bot maintains: the rating
// database, the Telegram Bot API and the school roster API.
type Clients struct {
	PostgreSQL *postgresql.Client
	Telegram   *telegram.Client
	School     *school.Client
}

func CreateClients(cfg *config.Config, loggerFactory *logging.LoggerFactory) (*Clients, error) {
	// PostgreSQL Client
	postgresClient, err := postgresql.NewClient(postgresql.ClientOptions{
		URL:                     string(cfg.Database.URL),
		ApplicationInstanceName: cfg.Application.InstanceName,
		MinConns:                cfg.Database.MinPool,
		MaxConns:                cfg.Database.MaxPool,
		QueryTimeout:            cfg.Database.QueryTimeout,
		AcquireTimeout:          cfg.Database.AcquireTimeout,
		Logger:                  loggerFactory.Child("client.postgresql"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql client: %w", err)
	}

	// Telegram Client
	telegramClient, err := telegram.NewClient(telegram.ClientOptions{
		Token:  cfg.Bot.Token,
		Logger: loggerFactory.Child("client.telegram"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	// School API Client
	schoolTLS, err := security.ClientTLSConfig(cfg.School.Truststore)
	if err != nil {
		return nil, fmt.Errorf("failed to load school truststore: %w", err)
	}
	schoolClient, err := school.NewClient(school.ClientOptions{
		BaseURL:        cfg.School.BaseURL,
		AuthURL:        cfg.School.AuthURL,
		ClientID:       cfg.School.ClientID,
		CredentialsEnv: cfg.School.CredentialsEnv,
		Timeout:        cfg.School.Timeout,
		TLSConfig:      schoolTLS,
		Logger:         loggerFactory.Child("client.school"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create school client: %w", err)
	}

	return &Clients{
		PostgreSQL: postgresClient,
		Telegram:   telegramClient,
		School:     schoolClient,
	}, nil
}
