package telegram

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/yl2chen/cidranger"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"
	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/util"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Published egress ranges Telegram delivers webhooks from.
var telegramEgressCIDRs = []string{
	"149.154.160.0/20",
	"91.108.4.0/22",
}

const (
	webhookMaxBodyBytes      = 1 << 20
	webhookReadHeaderTimeout = 5 * time.Second
	webhookShutdownGrace     = 10 * time.Second
)

// WebhookServer receives update deliveries over HTTPS. It registers the
// webhook with Telegram at start and deregisters it at stop, so polling and
// webhook deployments can alternate without manual cleanup.
type WebhookServer struct {
	logger         zerolog.Logger
	client         *Client
	handler        UpdateHandler
	publicURL      string
	path           string
	port           uint16
	secret         util.Secret
	allowedUpdates []string
	ranger         cidranger.Ranger
	tlsConfig      *tls.Config

	server *http.Server
	done   chan struct{}
}

type WebhookServerOptions struct {
	Client    *Client       `validate:"required"`
	Handler   UpdateHandler `validate:"required"`
	PublicURL string        `validate:"required,url,startswith=https://"`
	Path      string        `default:"/telegram/updates" validate:"required,startswith=/"`
	Port      uint16        `default:"8443" validate:"required"`
	// Secret is echoed back by Telegram in a header on every delivery;
	// empty disables the check.
	Secret util.Secret
	// ExtraCIDRs widens the source allowlist beyond Telegram's published
	// ranges, e.g. for a reverse proxy in front of the listener.
	ExtraCIDRs     []string `validate:"dive,cidr"`
	AllowedUpdates []string
	// TLSConfig terminates TLS in-process; nil expects a terminating
	// proxy in front.
	TLSConfig *tls.Config
	Logger    zerolog.Logger
}

func NewWebhookServer(options WebhookServerOptions) (*WebhookServer, error) {
	errorPrefix := "can't create telegram webhook server"

	if err := defaults.Set(&options); err != nil {
		return nil, fmt.Errorf("%s: failed to set defaults: %w", errorPrefix, err)
	}
	if err := validation.Instance.Struct(&options); err != nil {
		return nil, fmt.Errorf("%s: invalid options: %w", errorPrefix, err)
	}

	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range append(append([]string{}, telegramEgressCIDRs...), options.ExtraCIDRs...) {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("%s: bad allowlist entry '%s': %w", errorPrefix, cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*network)); err != nil {
			return nil, fmt.Errorf("%s: can't index allowlist entry '%s': %w", errorPrefix, cidr, err)
		}
	}

	return &WebhookServer{
		logger:         options.Logger,
		client:         options.Client,
		handler:        options.Handler,
		publicURL:      strings.TrimSuffix(options.PublicURL, "/"),
		path:           options.Path,
		port:           options.Port,
		secret:         options.Secret,
		allowedUpdates: options.AllowedUpdates,
		ranger:         ranger,
		tlsConfig:      options.TLSConfig,
	}, nil
}

func (s *WebhookServer) Start(ctx context.Context) error {
	if s.server != nil {
		return errors.New("telegram webhook server already started")
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Post(s.path, s.handleDelivery)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to bind webhook listener on port %d: %w", s.port, err)
	}

	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: webhookReadHeaderTimeout,
		TLSConfig:         s.tlsConfig,
	}
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		var serveErr error
		if s.tlsConfig != nil {
			serveErr = s.server.ServeTLS(listener, "", "")
		} else {
			serveErr = s.server.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error().Err(serveErr).Msg("webhook listener terminated")
		}
	}()

	err = s.client.SetWebhook(ctx, SetWebhookRequest{
		URL:            s.publicURL + s.path,
		SecretToken:    string(s.secret),
		AllowedUpdates: s.allowedUpdates,
	})
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), webhookShutdownGrace)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.server = nil
		return fmt.Errorf("failed to register webhook: %w", err)
	}

	s.logger.Info().Str("url", s.publicURL+s.path).Uint16("port", s.port).Msg("webhook registered")
	return nil
}

func (s *WebhookServer) Stop(ctx context.Context) {
	if s.server == nil {
		s.logger.Warn().Msg("telegram webhook server already stopped")
		return
	}

	if err := s.client.DeleteWebhook(ctx, false); err != nil {
		s.logger.Error().Err(err).Msg("failed to deregister webhook")
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to shut down webhook listener")
	}
	<-s.done
	s.server = nil
}

func (s *WebhookServer) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if !s.sourceAllowed(r.RemoteAddr) {
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook delivery from address outside the allowlist")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if s.secret != "" {
		provided := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("webhook delivery with bad secret token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	var update Update
	if err := json.NewDecoder(io.LimitReader(r.Body, webhookMaxBodyBytes)).Decode(&update); err != nil {
		s.logger.Warn().Err(err).Msg("webhook delivery with undecodable body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.handler(update)
	w.WriteHeader(http.StatusOK)
}

func (s *WebhookServer) sourceAllowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	allowed, err := s.ranger.Contains(ip)
	if err != nil {
		s.logger.Error().Err(err).Str("remote", remoteAddr).Msg("allowlist lookup failed")
		return false
	}
	return allowed
}
