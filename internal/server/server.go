// Package server wires the bridge's full runtime — InterestRegistry,
// SubscriptionManager, upstream WebSocket session, WebhookIngress, and
// FanoutHub — behind the downstream-facing HTTP surface and runs its
// lifecycle. The constructor wiring, OTel instrumentHandler wrapper,
// autocert TLS setup, config-watcher wiring, and graceful-shutdown
// sequencing are carried from itsjustintv's internal/server.Server;
// the route table and request handlers are rebuilt for this bridge's
// InterestKey/Interest model.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rmoriz/eventsubbridge/internal/bridgeerr"
	"github.com/rmoriz/eventsubbridge/internal/config"
	"github.com/rmoriz/eventsubbridge/internal/dedupe"
	"github.com/rmoriz/eventsubbridge/internal/envelope"
	"github.com/rmoriz/eventsubbridge/internal/fanout"
	"github.com/rmoriz/eventsubbridge/internal/registry"
	"github.com/rmoriz/eventsubbridge/internal/store"
	"github.com/rmoriz/eventsubbridge/internal/subscription"
	"github.com/rmoriz/eventsubbridge/internal/telemetry"
	"github.com/rmoriz/eventsubbridge/internal/tokenstore"
	"github.com/rmoriz/eventsubbridge/internal/twitchclient"
	"github.com/rmoriz/eventsubbridge/internal/upstreamws"
	"github.com/rmoriz/eventsubbridge/internal/webhookingress"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/acme/autocert"
)

// Server owns every long-lived component and the HTTP surface in front
// of them.
type Server struct {
	config *config.Config
	logger *slog.Logger

	telemetryManager *telemetry.Manager
	configWatcher    *config.Watcher

	store           *store.Store
	twitchClient    *twitchclient.Client
	registry        *registry.Registry
	tokens          *tokenstore.Store
	dedupeWindow    *dedupe.Window
	enricher        *envelope.ChatAssetEnricher
	upstreamSession *upstreamws.Session
	fanoutHub       *fanout.Hub
	subscriptions   *subscription.Manager
	ingress         *webhookingress.Ingress

	upgrader   websocket.Upgrader
	httpServer *http.Server

	pruneStop chan struct{}
	pruneDone chan struct{}
}

// New wires every component from cfg without starting any of them.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		config:           cfg,
		logger:           logger,
		telemetryManager: telemetry.NewManager(cfg, logger),
		store:            store.New(logger, cfg.Store.Path),
		twitchClient:     twitchclient.New(logger, cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, cfg.Twitch.TokenFile),
		tokens:           tokenstore.New(logger, cfg.Token.TTL),
		dedupeWindow:     dedupe.New(logger, cfg.Dedupe.MessageWindow),
		upgrader:         websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	s.twitchClient.SetMetrics(s.telemetryManager)

	s.registry = registry.New(logger, s.twitchClient, s.store)
	s.enricher = envelope.NewChatAssetEnricher(logger, s.twitchClient, time.Hour)
	s.fanoutHub = fanout.New(logger, cfg.Fanout.WebhookWorkers, cfg)

	var upstreamWelcomed bool
	s.upstreamSession = upstreamws.New(logger, cfg.Twitch.EventSubWSURL, upstreamws.Handlers{
		OnWelcome: func(sessionID string) {
			logger.Info("eventsub websocket session established", "session_id", sessionID)
			s.telemetryManager.RecordWSSessionActive(context.Background(), 1)
			// OnWelcome also fires after every session_reconnect handoff
			// and post-drop redial, each time under a new session id.
			// Twitch's WS-transport subscriptions are scoped to the
			// session that created them, so every previously enabled
			// WS-bound key must be re-Ensure'd under the new session
			// before notifications resume. Skip the very first welcome:
			// Server.Start already runs ReconcileStartup once the
			// session is up.
			if upstreamWelcomed {
				go s.reconcileAfterWelcome(sessionID)
			}
			upstreamWelcomed = true
		},
		OnNotification: func(messageID, subscriptionType, subscriptionID string, event json.RawMessage) {
			s.subscriptions.Route(context.Background(), subscriptionID, subscriptionType, "", messageID, event, s.enricher)
		},
		OnRevocation: func(subscriptionID, status string) {
			s.subscriptions.HandleRevocation(context.Background(), subscriptionID, "", status)
		},
		OnDisconnect: func(err error) {
			logger.Warn("eventsub websocket session disconnected", "error", err)
			s.telemetryManager.RecordWSSessionActive(context.Background(), -1)
			s.telemetryManager.RecordWSReconnect(context.Background(), err.Error())
		},
	})

	s.subscriptions = subscription.New(logger, subscription.Config{
		WebhookCallbackURL: cfg.Twitch.EventSubWebhookCallback,
		WebhookSecret:      cfg.Twitch.EventSubWebhookSecret,
		EventVersions:      cfg.Subscription.EventVersions,
		MaxRetryAttempts:   cfg.Subscription.MaxRetryAttempts,
		ErrorCooldown:      cfg.Subscription.ErrorCooldown,
	}, s.registry, cfg, s.twitchClient, s.upstreamSession, s.fanoutHub, s.store)
	s.subscriptions.SetMetrics(s.telemetryManager)

	s.registry.SetObserver(s.subscriptions)

	s.fanoutHub.SetMetrics(s.telemetryManager)

	s.ingress = webhookingress.New(logger, cfg.Twitch.EventSubWebhookSecret, s.dedupeWindow, s.subscriptions, s.subscriptions, s.enricher)

	return s
}

// Start brings every component up in dependency order, serves HTTP, and
// blocks until ctx is canceled or a termination signal arrives.
func (s *Server) Start(ctx context.Context) error {
	if err := s.telemetryManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	if err := s.startConfigWatcher(ctx); err != nil {
		s.logger.Warn("config watcher not started", "error", err)
	}

	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	if err := s.registry.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to hydrate interest registry: %w", err)
	}

	if err := s.twitchClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start twitch client: %w", err)
	}

	s.dedupeWindow.Start()
	s.fanoutHub.Start(ctx)

	if err := s.upstreamSession.Start(ctx); err != nil {
		return fmt.Errorf("failed to start eventsub websocket session: %w", err)
	}

	if err := s.subscriptions.ReconcileStartup(ctx); err != nil {
		s.logger.Error("startup subscription reconciliation failed", "error", err)
	}

	s.startStalePruner()

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.ListenAddr, s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if s.config.Server.TLS.Enabled {
		if err := s.setupTLS(); err != nil {
			return fmt.Errorf("failed to configure tls: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr, "tls", s.config.Server.TLS.Enabled)
		var err error
		if s.config.Server.TLS.Enabled {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	return s.shutdown()
}

// shutdown tears down components in reverse dependency order. It never
// releases upstream EventSub subscriptions: a restart should find Twitch
// still delivering to the subscriptions already established.
func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}

	s.stopStalePruner()
	s.fanoutHub.Stop(5 * time.Second)
	s.upstreamSession.Stop()
	s.dedupeWindow.Stop()

	if err := s.twitchClient.Stop(); err != nil {
		s.logger.Warn("failed to persist twitch token on shutdown", "error", err)
	}

	if err := s.telemetryManager.Stop(shutdownCtx); err != nil {
		s.logger.Warn("telemetry shutdown error", "error", err)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warn("config watcher shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// reconcileAfterWelcome re-runs the startup reconciliation whenever the
// upstream session id changes (session_reconnect or a redial after a
// drop), so WS-bound subscriptions resume delivery under the new
// session instead of silently going stale until an operator runs
// `subscriptions sync`.
func (s *Server) reconcileAfterWelcome(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.subscriptions.ReconcileStartup(ctx); err != nil {
		s.logger.Error("failed to reconcile subscriptions after new upstream session", "session_id", sessionID, "error", err)
	}
}

// startStalePruner runs InterestRegistry.PruneStale on the configured
// interval. Keys the prune empties are released through the registry's
// KeyObserver wiring (subscription.Manager.OnKeyBecameEmpty), same as an
// explicit interest delete.
func (s *Server) startStalePruner() {
	interval := s.config.Registry.PruneInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ttl := s.config.Registry.StaleTTL
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}

	s.pruneStop = make(chan struct{})
	s.pruneDone = make(chan struct{})

	go func() {
		defer close(s.pruneDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.telemetryManager.RecordReconcileCycle(context.Background(), "stale_prune")
				removed := s.registry.PruneStale(time.Now().UTC(), ttl)
				if len(removed) > 0 {
					s.logger.Info("pruned stale interests", "count", len(removed))
					s.telemetryManager.RecordInterestChurn(context.Background(), "prune")
				}
				s.tokens.Sweep()
			case <-s.pruneStop:
				return
			}
		}
	}()
}

func (s *Server) stopStalePruner() {
	if s.pruneStop == nil {
		return
	}
	close(s.pruneStop)
	<-s.pruneDone
}

// SyncSubscriptions loads the persisted interest registry and runs the
// same startup reconciliation the server performs on boot, without
// serving HTTP or opening the upstream WebSocket session. Used by the
// `subscriptions sync` CLI command to reconcile against webhook-upstream
// deployments that don't need a live EventSub WebSocket.
func (s *Server) SyncSubscriptions(ctx context.Context) error {
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load store: %w", err)
	}
	if err := s.registry.LoadFromStore(); err != nil {
		return fmt.Errorf("failed to hydrate interest registry: %w", err)
	}
	if err := s.twitchClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start twitch client: %w", err)
	}
	defer s.twitchClient.Stop()

	return s.subscriptions.ReconcileStartup(ctx)
}

func (s *Server) startConfigWatcher(ctx context.Context) error {
	if s.config.GetConfigPath() == "" {
		return nil
	}
	watcher, err := config.NewWatcher(s.config.GetConfigPath(), s.config, s.logger, s.handleConfigReload)
	if err != nil {
		return err
	}
	s.configWatcher = watcher
	return watcher.Start(ctx)
}

// handleConfigReload applies a hot-reloaded config by replacing s.config,
// which authenticateService reads when checking service credentials. The
// fanout hub, subscription manager and other components keep the config
// they were built with, so changes to outbound webhook signing secrets,
// bot account registrations, subscription tuning, listener address, TLS
// and the Twitch app registration take effect only after a restart.
func (s *Server) handleConfigReload(newConfig *config.Config) error {
	s.config = newConfig
	s.telemetryManager.RecordConfigReload(context.Background(), true)
	s.logger.Info("applied reloaded configuration")
	return nil
}

func (s *Server) setupTLS() error {
	if len(s.config.Server.TLS.Domains) == 0 {
		return fmt.Errorf("tls enabled but no domains configured")
	}
	if err := os.MkdirAll(s.config.Server.TLS.CertDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert dir: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.config.Server.TLS.Domains...),
		Cache:      autocert.DirCache(s.config.Server.TLS.CertDir),
	}

	s.httpServer.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}

	if s.config.Server.Port == 443 {
		go func() {
			if err := http.ListenAndServe(":80", certManager.HTTPHandler(nil)); err != nil {
				s.logger.Warn("acme http-01 challenge server failed", "error", err)
			}
		}()
	}

	return nil
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.instrumentHandler(s.handleHealth, "health"))
	mux.HandleFunc("POST /v1/interests", s.instrumentHandler(s.handleCreateInterest, "create_interest"))
	mux.HandleFunc("DELETE /v1/interests/{id}", s.instrumentHandler(s.handleDeleteInterest, "delete_interest"))
	mux.HandleFunc("POST /v1/interests/{id}/heartbeat", s.instrumentHandler(s.handleHeartbeat, "heartbeat_interest"))
	mux.HandleFunc("POST /v1/ws-token", s.instrumentHandler(s.handleMintToken, "mint_ws_token"))
	mux.HandleFunc("GET /ws/events", s.instrumentHandler(s.handleWSEvents, "ws_events"))
	mux.HandleFunc("POST "+webhookingress.Path, s.instrumentHandler(s.ingress.ServeHTTP, "webhook_ingress"))
}

// responseWriter captures the status code written so instrumentHandler
// can record it after the handler returns.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrumentHandler(next http.HandlerFunc, operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.telemetryManager.StartSpan(r.Context(), operation,
			attribute.String("http.method", r.Method), attribute.String("http.route", r.URL.Path))
		defer span.End()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next(rw, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
		s.telemetryManager.RecordHTTPRequest(ctx, operation, rw.statusCode, duration)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("healthy"))
}

// authenticateService resolves the calling ServiceAccount from the
// X-Service-Id/X-Service-Secret headers, constant-time-comparing the
// secret against internal/config's static service registry. Admin CRUD
// of service accounts is out of scope; this is the runtime credential
// check a single-deployment bridge needs instead.
func (s *Server) authenticateService(r *http.Request) (string, error) {
	serviceID := r.Header.Get("X-Service-Id")
	secret := r.Header.Get("X-Service-Secret")
	if serviceID == "" || secret == "" {
		return "", bridgeerr.New(bridgeerr.KindInvalidServiceCredentials, "missing service credentials")
	}

	want, err := s.config.ResolveSigningSecret(serviceID)
	if err != nil || !hmac.Equal([]byte(want), []byte(secret)) {
		return "", bridgeerr.New(bridgeerr.KindInvalidServiceCredentials, "invalid service credentials")
	}
	return serviceID, nil
}

type createInterestRequest struct {
	BotAccountID      string             `json:"bot_account_id"`
	EventType         string             `json:"event_type"`
	BroadcasterUserID string             `json:"broadcaster_user_id"`
	Transport         registry.Transport `json:"transport"`
	WebhookURL        string             `json:"webhook_url,omitempty"`
}

type interestResponse struct {
	ID                string    `json:"id"`
	ServiceID         string    `json:"service_id"`
	BotAccountID      string    `json:"bot_account_id"`
	EventType         string    `json:"event_type"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	Transport         string    `json:"transport"`
	WebhookURL        string    `json:"webhook_url,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toInterestResponse(in registry.Interest) interestResponse {
	return interestResponse{
		ID:                in.ID,
		ServiceID:         in.ServiceID,
		BotAccountID:      in.Key.BotAccountID,
		EventType:         in.Key.EventType,
		BroadcasterUserID: in.Key.BroadcasterUserID,
		Transport:         string(in.Transport),
		WebhookURL:        in.WebhookURL,
		UpdatedAt:         in.UpdatedAt,
	}
}

func (s *Server) handleCreateInterest(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.authenticateService(r)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	var req createInterestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Transport != registry.TransportWS && req.Transport != registry.TransportWebhook {
		writeBridgeError(w, bridgeerr.New(bridgeerr.KindUnknownEventType, "transport must be ws or webhook"))
		return
	}

	key := registry.Key{BotAccountID: req.BotAccountID, EventType: req.EventType, BroadcasterUserID: req.BroadcasterUserID}
	for _, existing := range s.registry.Lookup(key) {
		if existing.ServiceID == serviceID && existing.Transport != req.Transport {
			writeBridgeError(w, bridgeerr.New(bridgeerr.KindDuplicateInterest,
				"an interest for this bot/event/broadcaster already exists on a different transport"))
			return
		}
	}

	in, err := s.registry.Upsert(r.Context(), serviceID, req.BotAccountID, req.EventType, req.BroadcasterUserID, req.Transport, req.WebhookURL)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	s.telemetryManager.RecordInterestChurn(r.Context(), "create")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(toInterestResponse(*in))
}

func (s *Server) handleDeleteInterest(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.authenticateService(r)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	id := r.PathValue("id")
	deleted, _, err := s.registry.Delete(serviceID, id)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	if !deleted {
		http.Error(w, "interest not found", http.StatusNotFound)
		return
	}
	s.telemetryManager.RecordInterestChurn(r.Context(), "delete")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.authenticateService(r)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	id := r.PathValue("id")
	if err := s.registry.Heartbeat(serviceID, id); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	serviceID, err := s.authenticateService(r)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	token, expiresIn, err := s.tokens.Mint(serviceID)
	if err != nil {
		http.Error(w, "failed to mint token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}{Token: token, ExpiresIn: int(expiresIn.Seconds())})
}

func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("ws_token")
	serviceID, err := s.tokens.Consume(token)
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade downstream ws connection", "error", err)
		return
	}

	s.fanoutHub.ServeConnection(serviceID, conn)
}

func writeBridgeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	var be *bridgeerr.Error
	if errors.As(err, &be) {
		code = be.Kind.String()
		switch be.Kind {
		case bridgeerr.KindDuplicateInterest:
			status = http.StatusConflict
		case bridgeerr.KindWebhookURLRequired, bridgeerr.KindInvalidBroadcaster, bridgeerr.KindUnknownEventType:
			status = http.StatusUnprocessableEntity
		case bridgeerr.KindNotFound:
			status = http.StatusNotFound
		case bridgeerr.KindInvalidServiceCredentials, bridgeerr.KindInvalidToken, bridgeerr.KindExpiredToken, bridgeerr.KindAlreadyUsed:
			status = http.StatusUnauthorized
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: code})
}
