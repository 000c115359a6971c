package main

import (
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/config"
	"github.com/mcdev12/examengine/go/internal/finalize"
	"github.com/mcdev12/examengine/go/internal/gateway"
	"github.com/mcdev12/examengine/go/internal/integrity"
	"github.com/mcdev12/examengine/go/internal/leader"
	"github.com/mcdev12/examengine/go/internal/metrics"
	"github.com/mcdev12/examengine/go/internal/outbox"
	"github.com/mcdev12/examengine/go/internal/retry"
	"github.com/mcdev12/examengine/go/internal/scoring"
	"github.com/mcdev12/examengine/go/internal/session"
	"github.com/mcdev12/examengine/go/internal/timer"
)

type Services struct {
	Gateway   *gateway.Service
	Streams   *gateway.ConnectionManager
	WebSocket *gateway.WebSocketHandler
	Sessions  *gateway.Registry
	Relay     *outbox.Relay
	Metrics   *metrics.Metrics
}

// setupServices wires storage → finalization pipeline → session bootstrapper
// → gateway, and the outbox relay beside them.
func setupServices(cfg *config.Config, infra *Infra, m *metrics.Metrics, clock clockwork.Clock) *Services {
	eng := cfg.Engine
	policy := retry.Policy{Attempts: eng.RetryAttempts, Delay: eng.RetryDelay, Clock: clock}

	outboxApp := outbox.NewApp(infra.Outbox)
	pipeline := finalize.New(finalize.Deps{
		Store:     infra.Store,
		Catalog:   infra.Catalog,
		Evaluator: scoring.NewDefaultEvaluator(),
		Stats:     infra.Stats,
		Outbox:    outboxApp,
		Metrics:   m,
		Clock:     clock,
	}, finalize.Config{
		Retry:      policy,
		EarlyGuard: eng.EarlyGuard,
		Timeout:    eng.FinalizeTimeout,
	})

	boot := session.NewBootstrapper(session.Deps{
		Store:    infra.Store,
		Catalog:  infra.Catalog,
		Pipeline: pipeline,
		Channel:  infra.Channel,
		Claims:   infra.Claims,
		Metrics:  m,
		Clock:    clock,
	}, session.Config{
		Timer:              timer.Config{Interval: eng.TickInterval, DriftThreshold: eng.DriftThreshold},
		Leader:             leader.Config{LeaseTTL: eng.LeaseTTL},
		Integrity:          integrity.Config{Debounce: eng.FocusDebounce},
		Retry:              policy,
		EarlyGuard:         eng.EarlyGuard,
		MaxClockSkew:       eng.MaxClockSkew,
		NotificationBuffer: eng.NotificationBuffer,
	})

	sessions := gateway.NewRegistry()
	connCfg := gateway.DefaultConnectionConfig()
	streams := gateway.NewConnectionManager(sessions, connCfg)

	publisher := outbox.NewMetricPublisher(infra.Publisher, m)
	relay := outbox.NewRelay(outboxApp, infra.Notifier, publisher, relayConfig(cfg), clock).WithMetrics(m)

	return &Services{
		Gateway:   gateway.NewService(boot, sessions, streams),
		Streams:   streams,
		WebSocket: gateway.NewWebSocketHandler(streams, sessions),
		Sessions:  sessions,
		Relay:     relay,
		Metrics:   m,
	}
}
