package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/examengine/go/internal/events"
	"github.com/rs/zerolog/log"
)

// Repository defines what the app layer needs from storage
type Repository interface {
	Insert(ctx context.Context, attemptID uuid.UUID, eventType string, payload []byte) (uuid.UUID, error)
	FetchUnsent(ctx context.Context, limit int32) ([]OutboxEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	FetchByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
}

// App handles outbox business logic
type App struct {
	repo Repository
}

// NewApp creates a new outbox App
func NewApp(repo Repository) *App {
	return &App{
		repo: repo,
	}
}

// InsertAttemptFinalizedEvent records that an attempt reached its terminal state
func (a *App) InsertAttemptFinalizedEvent(ctx context.Context, attemptID uuid.UUID, p events.AttemptFinalizedPayload) error {
	return a.insert(ctx, attemptID, events.EventTypeAttemptFinalized, p)
}

// InsertFinalizationDegradedEvent records a finalization whose persistence could not be completed
func (a *App) InsertFinalizationDegradedEvent(ctx context.Context, attemptID uuid.UUID, p events.FinalizationDegradedPayload) error {
	return a.insert(ctx, attemptID, events.EventTypeFinalizationDegraded, p)
}

func (a *App) insert(ctx context.Context, attemptID uuid.UUID, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	if err := a.validateEventPayload(payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}

	id, err := a.repo.Insert(ctx, attemptID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", eventType, err)
	}

	log.Info().
		Str("attempt_id", attemptID.String()).
		Str("event_id", id.String()).
		Str("event_type", eventType).
		Msg("outbox event inserted")

	return nil
}

// FetchUnsentEvents fetches unsent outbox events
func (a *App) FetchUnsentEvents(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than 0")
	}

	evs, err := a.repo.FetchUnsent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent events: %w", err)
	}

	if len(evs) > 0 {
		log.Debug().
			Int("count", len(evs)).
			Msg("fetched unsent outbox events")
	}

	return evs, nil
}

// MarkEventSent marks an outbox event as sent
func (a *App) MarkEventSent(ctx context.Context, eventID uuid.UUID) error {
	if err := a.repo.MarkSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}

	log.Debug().
		Str("event_id", eventID.String()).
		Msg("marked outbox event as sent")

	return nil
}

// GetEventByID fetches a specific outbox event by ID
func (a *App) GetEventByID(ctx context.Context, eventID uuid.UUID) (*OutboxEvent, error) {
	event, err := a.repo.FetchByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event by ID: %w", err)
	}
	return event, nil
}

// ProcessUnsentEvents runs processor over one batch of unsent events and marks
// the successful ones as sent. It returns how many were processed.
func (a *App) ProcessUnsentEvents(ctx context.Context, batchSize int32, processor func(event OutboxEvent) error) (int, error) {
	evs, err := a.FetchUnsentEvents(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unsent events: %w", err)
	}

	processedCount := 0
	errorCount := 0

	for _, event := range evs {
		if err := processor(event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Msg("failed to process event")
			errorCount++
			continue
		}

		if err := a.MarkEventSent(ctx, event.ID); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Msg("failed to mark event as sent after processing")
			errorCount++
			continue
		}

		processedCount++
	}

	if processedCount > 0 || errorCount > 0 {
		log.Info().
			Int("processed", processedCount).
			Int("errors", errorCount).
			Int("total", len(evs)).
			Msg("processed unsent events batch")
	}

	return processedCount, nil
}

func (a *App) validateEventPayload(payload []byte) error {
	if len(payload) == 0 || string(payload) == "null" {
		return fmt.Errorf("event payload cannot be empty")
	}
	return nil
}
