package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/mcdev12/examengine/go/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	// Retention bounds for attempt facts. Consumers replay a module's history
	// from the stream, so MaxAge should cover at least one exam cycle.
	MaxAge   time.Duration
	Replicas int
	// DuplicateWindow must outlast the relay's retry horizon: a fact re-sent
	// after a crash is dropped by Msg-Id inside this window.
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "EXAM_EVENTS",
		SubjectPrefix:   "exam.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          90 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// JetStreamPublisher puts attempt facts on a stream, one subject per module
// and fact kind, so a consumer can follow a single exam.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("examd-outbox"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("stream", cfg.StreamName).Msg("outbox publisher lost NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Str("stream", cfg.StreamName).Msg("outbox publisher reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, factStream(cfg))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}
	log.Info().
		Str("stream", stream.CachedInfo().Config.Name).
		Strs("subjects", stream.CachedInfo().Config.Subjects).
		Msg("attempt fact stream ready")

	return &JetStreamPublisher{nc: nc, js: js, config: cfg}, nil
}

// factStream accepts exactly <prefix>.<module>.<kind>.
func factStream(cfg JetStreamConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Exam attempt facts by module",
		Subjects:    []string{cfg.SubjectPrefix + ".*.*"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}
}

// Envelope is the message body placed on the stream.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	AttemptID string          `json:"attemptId"`
	ModuleID  string          `json:"moduleId"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// factOwner holds the routing keys every attempt fact payload carries.
type factOwner struct {
	ModuleID string `json:"module_id"`
	UserID   string `json:"user_id"`
}

// NewEnvelope lifts the module and learner out of the payload. The timestamp
// is when the fact was recorded, not when it was relayed.
func NewEnvelope(event OutboxEvent) (Envelope, error) {
	var owner factOwner
	if err := json.Unmarshal(event.Payload, &owner); err != nil {
		return Envelope{}, fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return Envelope{
		EventID:   event.ID.String(),
		EventType: event.EventType,
		AttemptID: event.AttemptID.String(),
		ModuleID:  owner.ModuleID,
		UserID:    owner.UserID,
		Timestamp: event.CreatedAt.UTC(),
		Payload:   event.Payload,
	}, nil
}

var factKinds = map[string]string{
	events.EventTypeAttemptFinalized:     "finalized",
	events.EventTypeFinalizationDegraded: "degraded",
}

// Subject returns <prefix>.<module>.<kind> for an envelope.
func Subject(prefix string, env Envelope) string {
	kind, ok := factKinds[env.EventType]
	if !ok {
		kind = subjectToken(strings.ToLower(env.EventType))
	}
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(env.ModuleID), kind)
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.' || r == '*' || r == '>':
			return '_'
		case unicode.IsSpace(r):
			return '_'
		}
		return r
	}, s)
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	env, err := NewEnvelope(event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := Subject(p.config.SubjectPrefix, env)
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Event-Type", env.EventType)
	msg.Header.Set("Attempt-ID", env.AttemptID)
	msg.Header.Set("Module-ID", env.ModuleID)

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(env.EventID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	evt := log.Debug()
	if ack.Duplicate {
		evt = log.Info()
	}
	evt.Str("subject", subject).
		Str("event_id", env.EventID).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("attempt fact published")
	return nil
}

func (p *JetStreamPublisher) Close() error {
	p.nc.Close()
	return nil
}

// LogPublisher writes events to the log instead of a broker. It is used when
// no NATS URL is configured, and records what it saw.
type LogPublisher struct {
	mu   sync.Mutex
	sent []OutboxEvent
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(_ context.Context, event OutboxEvent) error {
	p.mu.Lock()
	p.sent = append(p.sent, event)
	p.mu.Unlock()

	log.Info().
		Str("event_id", event.ID.String()).
		Str("attempt_id", event.AttemptID.String()).
		Str("event_type", event.EventType).
		RawJSON("payload", event.Payload).
		Msg("outbox event published")
	return nil
}

// Sent returns the events published so far.
func (p *LogPublisher) Sent() []OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboxEvent(nil), p.sent...)
}
