// streamhue runtime. Manages Twitch user tokens, EventSub WebSocket
// sessions and chat subscriptions for every seeded account, with a
// supervisor restarting unhealthy sessions and a diagnostics HTTP server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhue/streamhue/pkg/breaker"
	"github.com/streamhue/streamhue/pkg/cache"
	"github.com/streamhue/streamhue/pkg/config"
	"github.com/streamhue/streamhue/pkg/diag"
	"github.com/streamhue/streamhue/pkg/eventsub"
	"github.com/streamhue/streamhue/pkg/helix"
	"github.com/streamhue/streamhue/pkg/metrics"
	"github.com/streamhue/streamhue/pkg/notify"
	"github.com/streamhue/streamhue/pkg/ratelimit"
	"github.com/streamhue/streamhue/pkg/resolver"
	"github.com/streamhue/streamhue/pkg/supervisor"
	"github.com/streamhue/streamhue/pkg/token"
	"github.com/streamhue/streamhue/pkg/version"
)

const resolverMaxConcurrentBatches = 3

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if len(cfg.Users) == 0 {
		slog.Error("No users configured; set STREAMHUE_USERS")
		os.Exit(1)
	}

	slog.Info("Starting streamhue",
		"version", version.Full(),
		"users", len(cfg.Users),
		"diag_addr", cfg.Diag.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Shared infrastructure: metrics, rate limiter, breaker registry.
	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)

	limiter := ratelimit.New()

	breakers := breaker.NewRegistry()
	breakers.Start(ctx)
	defer breakers.Stop()

	apiBreaker := breakers.Get("helix_api", breaker.Settings{
		FailureThreshold: cfg.Breakers.APIFailureThreshold,
		RecoveryTimeout:  cfg.Breakers.APIRecovery(),
		SuccessThreshold: cfg.Breakers.APISuccessThreshold,
	})

	// 2. Helix client, broadcaster-id cache, channel resolver.
	helixClient := helix.NewClient(cfg.URLs.HelixBase, cfg.URLs.AuthBase, limiter, apiBreaker)

	store, err := cache.NewStore(cfg.Cache.Path, cfg.Cache.LRUSize)
	if err != nil {
		slog.Error("Failed to open broadcaster cache", "path", cfg.Cache.Path, "error", err)
		os.Exit(1)
	}

	channels := resolver.New(helixClient, store, resolverMaxConcurrentBatches)

	// 3. Token manager seeded from the configured users.
	tokens := token.NewManager(cfg.Token, cfg.URLs.AuthBase)
	tokens.ObserveOutcomes(func(username string, outcome token.Outcome) {
		m.RefreshOutcomes.WithLabelValues(outcome.String()).Inc()
	})
	for _, u := range cfg.Users {
		tokens.Upsert(u.Username, u.AccessToken, u.RefreshToken, u.ClientID, u.ClientSecret, time.Time{})
	}

	// 4. Optional Slack operator alerting. nil when unconfigured; all calls
	// no-op then.
	notifier := notify.New(cfg.Slack.Token, cfg.Slack.Channel)

	// 5. Connection hygiene and the per-user session engines.
	tracker := eventsub.NewConnTracker()
	tracker.Start(ctx)
	defer tracker.Stop()

	sup := supervisor.New(cfg.Supervisor)
	sup.ObserveFailures(func(name string, err error) {
		if alertErr := notifier.Alert(ctx, notify.KindRecoveryFailed, name, err.Error()); alertErr != nil {
			slog.Warn("Failed to send recovery alert", "user", name, "error", alertErr)
		}
	})

	diagServer := diag.NewServer(tokens, m, registry)

	engines := make([]*eventsub.Engine, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		engine := buildEngine(cfg, u, tokens, helixClient, channels, breakers, tracker, m)

		username := u.Username
		tokens.RegisterInvalidationHook(username, func(hookCtx context.Context) {
			if err := notifier.Alert(hookCtx, notify.KindTokenInvalid, username,
				"refresh token rejected; re-authorization required"); err != nil {
				slog.Warn("Failed to send token alert", "user", username, "error", err)
			}
		})

		sup.Register(username, engine)
		diagServer.RegisterEngine(username, engine)
		engines = append(engines, engine)
	}

	// 6. Background services: token loop first so engines start with fresh
	// credentials, then the engines themselves, then the supervisor.
	tokens.Start(ctx)
	defer tokens.Stop()

	for i, engine := range engines {
		username := cfg.Users[i].Username
		go func() {
			if err := engine.Start(ctx); err != nil {
				slog.Error("Engine startup failed; supervisor will retry", "user", username, "error", err)
			}
		}()
	}

	sup.Start(ctx)
	defer sup.Stop()

	// 7. Diagnostics server (non-blocking). DIAG_ADDR=off disables it.
	errCh := make(chan error, 1)
	if cfg.Diag.Enabled() {
		go func() {
			if err := diagServer.Start(cfg.Diag.Addr); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	slog.Info("streamhue started", "sessions", len(engines))

	// 8. Wait for shutdown signal or diagnostics server failure.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Diagnostics server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop probing, close sessions, then the rest via
	// the deferred stops above.
	sup.Stop()
	for _, engine := range engines {
		engine.Stop()
	}

	if cfg.Diag.Enabled() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := diagServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Diagnostics server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
}

// buildEngine assembles one user's session engine: a dedicated WebSocket
// breaker and session, a subscription manager, and chat dispatch wired to
// metrics.
func buildEngine(
	cfg *config.Config,
	u config.UserSeed,
	tokens *token.Manager,
	helixClient *helix.Client,
	channels *resolver.Resolver,
	breakers *breaker.Registry,
	tracker *eventsub.ConnTracker,
	m *metrics.Metrics,
) *eventsub.Engine {
	wsBreaker := breakers.Get("websocket_connection/"+u.Username, breaker.Settings{
		FailureThreshold: cfg.Breakers.WSFailureThreshold,
		RecoveryTimeout:  cfg.Breakers.WSRecovery(),
		SuccessThreshold: cfg.Breakers.WSSuccessThreshold,
	})

	session := eventsub.NewSession(cfg.URLs.EventSubWS, u.ClientID, cfg.EventSub, wsBreaker, tracker)
	subs := eventsub.NewSubscriptionManager(helixClient)

	dispatcher := eventsub.NewDispatcher()
	dispatcher.OnMessage(func(msg eventsub.ChatMessage) {
		m.MessagesDispatched.WithLabelValues("message").Inc()
	})
	dispatcher.OnCommand(func(msg eventsub.ChatMessage) {
		m.MessagesDispatched.WithLabelValues("command").Inc()
		slog.Info("Chat command received",
			"user", u.Username,
			"channel", msg.Broadcaster,
			"chatter", msg.Chatter,
			"text", msg.Text)
	})

	engine := eventsub.NewEngine(eventsub.EngineOptions{
		Username:       u.Username,
		ClientID:       u.ClientID,
		AccessToken:    u.AccessToken,
		PrimaryChannel: u.PrimaryChannel(),
		ExtraChannels:  u.ExtraChannels(),
	}, cfg.EventSub, tokens, helixClient, channels, session, subs, dispatcher)

	engine.BindTokenManager()
	engine.ObserveReconnects(func(trigger string) {
		m.Reconnects.WithLabelValues(trigger).Inc()
	})
	return engine
}
