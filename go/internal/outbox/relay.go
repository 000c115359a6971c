package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/examengine/go/internal/retry"
	"github.com/rs/zerolog/log"
)

type RelayConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed events
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int32
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Notifier yields IDs of newly inserted outbox events.
type Notifier interface {
	Notifications() <-chan string
	Ping() error
	Close() error
}

type pgNotifier struct {
	l   *pq.Listener
	out chan string
}

// NewPostgresNotifier listens on cfg.NotifyChannel.
func NewPostgresNotifier(cfg RelayConfig) (Notifier, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	n := &pgNotifier{l: l, out: make(chan string, 64)}
	go n.forward()
	return n, nil
}

func (n *pgNotifier) forward() {
	defer close(n.out)
	for note := range n.l.Notify {
		if note == nil {
			// connection was re-established; the fallback poll covers the gap
			continue
		}
		n.out <- note.Extra
	}
}

func (n *pgNotifier) Notifications() <-chan string { return n.out }
func (n *pgNotifier) Ping() error                   { return n.l.Ping() }
func (n *pgNotifier) Close() error                  { return n.l.Close() }

type memoryNotifier struct {
	ch <-chan string
}

// NewMemoryNotifier relays inserts made through a MemoryRepository.
func NewMemoryNotifier(repo *MemoryRepository) Notifier {
	return &memoryNotifier{ch: repo.Notify}
}

func (n *memoryNotifier) Notifications() <-chan string { return n.ch }
func (n *memoryNotifier) Ping() error                   { return nil }
func (n *memoryNotifier) Close() error                  { return nil }

// Relay publishes outbox events as they are announced and sweeps for any
// that were missed.
type Relay struct {
	app       *App
	notifier  Notifier
	publisher Publisher
	cfg       RelayConfig
	clock     clockwork.Clock
	metrics   MetricsCollector
}

func NewRelay(app *App, notifier Notifier, publisher Publisher, cfg RelayConfig, clock clockwork.Clock) *Relay {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Relay{
		app:       app,
		notifier:  notifier,
		publisher: publisher,
		cfg:       cfg,
		clock:     clock,
		metrics:   NoOpMetricsCollector{},
	}
}

// WithMetrics records batch sweeps on m.
func (r *Relay) WithMetrics(m MetricsCollector) *Relay {
	if m != nil {
		r.metrics = m
	}
	return r
}

func (r *Relay) Start(ctx context.Context) error {
	log.Info().
		Str("channel", r.cfg.NotifyChannel).
		Dur("ping_interval", r.cfg.PingInterval).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("outbox relay started")

	pingTicker := r.clock.NewTicker(r.cfg.PingInterval)
	fallbackTicker := r.clock.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	notes := r.notifier.Notifications()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay shutting down")
			return r.notifier.Close()
		case extra, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			if err := r.handleNotification(ctx, extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.Chan():
			if _, err := r.ProcessUnsent(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unsent events")
			}
		case <-pingTicker.Chan():
			if err := r.notifier.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// handleNotification publishes the event whose ID arrived on the notifier.
func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}

	event, err := r.app.GetEventByID(ctx, id)
	if err != nil {
		return err
	}

	if err := r.publishWithRetry(ctx, *event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	if err := r.app.MarkEventSent(ctx, id); err != nil {
		return err
	}

	log.Info().Str("event_id", id.String()).Msg("published and marked event as sent")
	return nil
}

// ProcessUnsent publishes one batch of events that were never marked sent.
func (r *Relay) ProcessUnsent(ctx context.Context) (int, error) {
	start := r.clock.Now()
	n, err := r.app.ProcessUnsentEvents(ctx, r.cfg.BatchSize, func(ev OutboxEvent) error {
		return r.publishWithRetry(ctx, ev)
	})
	r.metrics.RecordBatchProcessed(n, r.clock.Since(start))
	return n, err
}

func (r *Relay) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	policy := retry.Policy{
		Attempts: r.cfg.MaxRetries + 1,
		Delay:    r.cfg.RetryDelay,
		Clock:    r.clock,
	}
	return retry.Run(ctx, policy, "publish "+event.EventType, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, event)
	})
}
