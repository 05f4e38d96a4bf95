package postgresql

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
	"github.com/samber/oops"

	pgxgoogleuuid "github.com/vgarvardt/pgx-google-uuid/v5"
)

type Client struct {
	logger         zerolog.Logger
	config         *pgxpool.Config
	acquireTimeout time.Duration
	Driver         *pgxpool.Pool
}

type ClientOptions struct {
	URL                     string
	ApplicationInstanceName string
	MinConns                int32
	MaxConns                int32
	QueryTimeout            time.Duration
	AcquireTimeout          time.Duration
	TLSConfig               *tls.Config
	Logger                  zerolog.Logger
}

func NewClient(options ClientOptions) (*Client, error) {
	errorb := oops.
		In("postgresql client").
		Tags("constructor")

	config, err := pgxpool.ParseConfig(options.URL)
	if err != nil {
		return nil, errorb.Wrapf(err, "failed to parse database url")
	}

	config.MinConns = options.MinConns
	config.MaxConns = options.MaxConns
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnLifetimeJitter = 5 * time.Minute
	config.MaxConnIdleTime = 10 * time.Minute
	config.ConnConfig.ConnectTimeout = 5 * time.Second
	if options.TLSConfig != nil {
		config.ConnConfig.TLSConfig = options.TLSConfig
	}
	config.ConnConfig.RuntimeParams["application_name"] = options.ApplicationInstanceName
	config.ConnConfig.RuntimeParams["timezone"] = "UTC"
	config.ConnConfig.RuntimeParams["datestyle"] = "ISO"
	config.ConnConfig.RuntimeParams["statement_timeout"] = options.QueryTimeout.String()
	config.ConnConfig.RuntimeParams["lock_timeout"] = "2s"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "10s"
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   newQueryTracer(options.Logger),
		LogLevel: tracelog.LogLevelWarn,
	}
	config.AfterConnect = func(connectionCtx context.Context, conn *pgx.Conn) error {
		pgxgoogleuuid.Register(conn.TypeMap())
		return nil
	}

	return &Client{
		logger:         options.Logger,
		config:         config,
		acquireTimeout: options.AcquireTimeout,
		Driver:         nil,
	}, nil
}

// Start connects the pool and applies pending schema migrations. The pool
// is not usable until both succeeded.
func (c *Client) Start(ctx context.Context) error {
	if c.Driver != nil {
		return errors.New("postgresql client already started")
	}

	pool, err := pgxpool.NewWithConfig(ctx, c.config)
	if err != nil {
		return fmt.Errorf("failed to start postgresql client: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to reach postgresql: %w", err)
	}
	if err := MigrateUp(c.config.ConnString()); err != nil {
		pool.Close()
		return err
	}

	c.Driver = pool
	return nil
}

func (c *Client) Stop(_ context.Context) {
	if c.Driver == nil {
		c.logger.Warn().Msg("PostgreSQL client already stopped")
		return
	}

	c.Driver.Close()
	c.Driver = nil
}
