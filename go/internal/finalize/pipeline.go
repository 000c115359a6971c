// Package finalize turns an in-progress attempt into its scored, frozen form.
// The store's conditional update makes the transition happen at most once no
// matter how many sessions race to finalize the same attempt.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/attempt"
	"github.com/mcdev12/examengine/go/internal/catalog"
	"github.com/mcdev12/examengine/go/internal/events"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/outbox"
	"github.com/mcdev12/examengine/go/internal/retry"
	"github.com/mcdev12/examengine/go/internal/scoring"
	"github.com/mcdev12/examengine/go/internal/stats"
	"github.com/mcdev12/examengine/go/internal/tabsync"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrTooEarly is returned when an automatic finalization arrives within the
// early guard after the attempt started.
var ErrTooEarly = errors.New("automatic finalization too soon after start")

// Stages reported on degraded finalizations.
const (
	StagePing    = "ping"
	StageAnswers = "persist_answers"
	StageRead    = "read"
	StageCatalog = "catalog"
	StageWrite   = "write"
	StageVerify  = "verify"
)

type Config struct {
	Retry retry.Policy
	// EarlyGuard rejects automatic reasons this soon after StartedAt.
	EarlyGuard time.Duration
	// Timeout bounds a whole run. The run ignores the caller's cancellation.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retry:      retry.DefaultPolicy(),
		EarlyGuard: 3 * time.Second,
		Timeout:    30 * time.Second,
	}
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordFinalization(reason string, d time.Duration)
	RecordDegraded(stage string)
}

type noopRecorder struct{}

func (noopRecorder) RecordFinalization(string, time.Duration) {}
func (noopRecorder) RecordDegraded(string)                    {}

// Broadcaster sends ATTEMPT_FINALIZED to other sessions. *tabsync.Endpoint
// satisfies it.
type Broadcaster interface {
	Publish(ctx context.Context, msg tabsync.Message)
}

type Deps struct {
	Store     attempt.Store
	Catalog   catalog.Source
	Evaluator scoring.Evaluator
	Stats     stats.Sink
	Outbox    *outbox.App
	Metrics   Recorder
	Clock     clockwork.Clock
}

// Request describes one finalization. Answers, AutoSubmitted and QuestionTimes
// are the caller's in-memory view and are overlaid on the stored record.
type Request struct {
	AttemptID     uuid.UUID
	Reason        models.FinalizationReason
	TabID         string
	Answers       map[string]models.AnswerValue
	AutoSubmitted map[string]bool
	QuestionTimes map[string]models.QuestionTiming
	// Fallback is used when the stored attempt cannot be read.
	Fallback *models.Attempt
	Module   *models.Module
	// OnFinalized runs with the terminal attempt before side effects start.
	OnFinalized func(*models.Attempt)
	Broadcast   Broadcaster
}

// Outcome is the terminal view of a finalization.
type Outcome struct {
	Attempt          *models.Attempt
	Summary          tabsync.ResultSummary
	AlreadyFinalized bool
	Degraded         bool
	DegradedStages   []string
	// Shared is set when the result came from a concurrent call in this process.
	Shared bool
}

type Pipeline struct {
	deps     Deps
	cfg      Config
	inflight singleflight.Group
}

func New(deps Deps, cfg Config) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = scoring.NewDefaultEvaluator()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = deps.Clock
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// Finalize runs the pipeline for req. Concurrent calls for the same attempt
// in this process share one run.
func (p *Pipeline) Finalize(ctx context.Context, req Request) (*Outcome, error) {
	v, err, shared := p.inflight.Do(req.AttemptID.String(), func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		if p.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, p.cfg.Timeout)
			defer cancel()
		}
		return p.run(runCtx, req)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*Outcome)
	out.Shared = shared
	return &out, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Outcome, error) {
	start := p.deps.Clock.Now()
	out := &Outcome{}
	logger := log.With().
		Str("attempt_id", req.AttemptID.String()).
		Str("tab_id", req.TabID).
		Str("reason", string(req.Reason)).
		Logger()

	degrade := func(stage string, err error) {
		out.Degraded = true
		out.DegradedStages = append(out.DegradedStages, stage)
		p.deps.Metrics.RecordDegraded(stage)
		logger.Error().Err(err).Str("stage", stage).Msg("finalization degraded")
	}

	// 1. storage reachable
	if err := retry.Run(ctx, p.cfg.Retry, "ping attempt store", p.deps.Store.Ping); err != nil {
		degrade(StagePing, err)
	}

	// 2. persist in-memory answers first
	if len(req.Answers) > 0 || len(req.AutoSubmitted) > 0 || len(req.QuestionTimes) > 0 {
		fields := models.AttemptFields{
			Answers:       req.Answers,
			AutoSubmitted: req.AutoSubmitted,
			QuestionTimes: req.QuestionTimes,
		}
		err := retry.Run(ctx, p.cfg.Retry, "persist answers", func(ctx context.Context) error {
			return permanentIf(p.deps.Store.UpdateFields(ctx, req.AttemptID, fields))
		})
		if err != nil && !errors.Is(err, attempt.ErrAlreadyFinalized) {
			degrade(StageAnswers, err)
		}
	}

	// 3. re-read
	a, err := retry.Do(ctx, p.cfg.Retry, "read attempt", func(ctx context.Context) (*models.Attempt, error) {
		a, err := p.deps.Store.Get(ctx, req.AttemptID)
		return a, permanentIf(err)
	})
	if err != nil {
		if req.Fallback == nil {
			return nil, fmt.Errorf("failed to read attempt for finalization: %w", err)
		}
		degrade(StageRead, err)
		a = req.Fallback.Clone()
	}

	// 4. someone else already finished it
	if a.Completed && a.Finalized {
		logger.Info().Msg("attempt already finalized, skipping")
		out.Attempt = a
		out.AlreadyFinalized = true
		out.Summary = Summarize(a)
		if req.OnFinalized != nil {
			req.OnFinalized(a.Clone())
		}
		return out, nil
	}

	// 5. early guard
	now := p.deps.Clock.Now().UTC()
	if req.Reason.IsAutomatic() && p.cfg.EarlyGuard > 0 && now.Sub(a.StartedAt) < p.cfg.EarlyGuard {
		logger.Warn().
			Dur("since_start", now.Sub(a.StartedAt)).
			Msg("refusing automatic finalization right after start")
		return nil, ErrTooEarly
	}

	mod := req.Module
	if mod == nil && p.deps.Catalog != nil {
		if m, err := p.deps.Catalog.GetModule(ctx, a.ModuleID); err == nil {
			mod = m
		} else {
			logger.Warn().Err(err).Msg("failed to load module for finalization")
		}
	}

	// 6. score
	merged := mergeAnswers(a, req)
	questions, err := p.loadQuestions(ctx, a.QuestionOrder)
	if err != nil {
		degrade(StageCatalog, err)
	}
	records, score := BuildRecords(a.QuestionOrder, questions, merged, p.deps.Evaluator)

	fin := models.FinalizeFields{
		PerQuestionAttempts: records,
		Score:               score,
		EndedAt:             now,
		DurationMS:          durationMS(a, now),
		Reason:              req.Reason,
	}

	// 7. conditional write, verified by read-back
	err = retry.Run(ctx, p.cfg.Retry, "finalize attempt", func(ctx context.Context) error {
		return permanentIf(p.deps.Store.Finalize(ctx, req.AttemptID, fin))
	})
	switch {
	case errors.Is(err, attempt.ErrAlreadyFinalized):
		stored, gerr := p.deps.Store.Get(ctx, req.AttemptID)
		if gerr == nil && stored.Finalized {
			logger.Info().Msg("lost finalization race, using stored result")
			out.Attempt = stored
			out.AlreadyFinalized = true
			out.Summary = Summarize(stored)
			if req.OnFinalized != nil {
				req.OnFinalized(stored.Clone())
			}
			return out, nil
		}
		degrade(StageVerify, errors.Join(err, gerr))
	case err != nil:
		degrade(StageWrite, err)
	default:
		stored, verr := retry.Do(ctx, p.cfg.Retry, "verify finalized attempt", func(ctx context.Context) (*models.Attempt, error) {
			s, err := p.deps.Store.Get(ctx, req.AttemptID)
			if err == nil && !s.Finalized {
				err = errors.New("finalized flag not visible")
			}
			return s, err
		})
		if verr != nil {
			degrade(StageVerify, verr)
		} else {
			merged = stored
		}
	}

	final := merged.Clone()
	if !final.Finalized {
		applyFinal(final, fin)
	}
	out.Attempt = final
	out.Summary = Summarize(final)

	// 8. local state first
	if req.OnFinalized != nil {
		req.OnFinalized(final.Clone())
	}

	// 9. side effects
	p.sideEffects(ctx, req, mod, final, out)

	elapsed := p.deps.Clock.Since(start)
	p.deps.Metrics.RecordFinalization(string(req.Reason), elapsed)
	logger.Info().
		Float64("score", final.Score).
		Bool("degraded", out.Degraded).
		Dur("took", elapsed).
		Msg("attempt finalized")
	return out, nil
}

func (p *Pipeline) loadQuestions(ctx context.Context, ids []string) ([]models.Question, error) {
	if p.deps.Catalog == nil || len(ids) == 0 {
		return nil, nil
	}
	return retry.Do(ctx, p.cfg.Retry, "load questions", func(ctx context.Context) ([]models.Question, error) {
		return p.deps.Catalog.GetQuestionsByIDs(ctx, ids)
	})
}

func (p *Pipeline) sideEffects(ctx context.Context, req Request, mod *models.Module, a *models.Attempt, out *Outcome) {
	g, gctx := errgroup.WithContext(ctx)
	logger := log.With().Str("attempt_id", a.ID.String()).Logger()

	if p.deps.Stats != nil {
		g.Go(func() error {
			if err := p.deps.Stats.RecordDailyStats(gctx, DailyStatsFor(a)); err != nil {
				logger.Warn().Err(err).Msg("failed to record daily stats")
			}
			return nil
		})
	}

	if p.deps.Catalog != nil {
		g.Go(func() error {
			locked := mod == nil || !mod.ReviewEnabled || mod.ReviewDurationSec <= 0
			if err := p.deps.Catalog.SetModuleLocked(gctx, a.ModuleID, a.UserID, locked); err != nil {
				logger.Warn().Err(err).Msg("failed to update module lock")
			}
			return nil
		})
	}

	if req.Broadcast != nil {
		g.Go(func() error {
			req.Broadcast.Publish(gctx, tabsync.NewAttemptFinalized(a.ID, req.TabID, req.Reason, out.Summary, p.deps.Clock.Now().UTC()))
			return nil
		})
	}

	if p.deps.Outbox != nil {
		g.Go(func() error {
			err := p.deps.Outbox.InsertAttemptFinalizedEvent(gctx, a.ID, events.AttemptFinalizedPayload{
				AttemptID:   a.ID.String(),
				ModuleID:    a.ModuleID,
				UserID:      a.UserID,
				Reason:      string(req.Reason),
				Score:       a.Score,
				Answered:    out.Summary.Answered,
				Total:       out.Summary.Total,
				DurationMS:  a.DurationMS,
				FinalizedAt: deref(a.EndedAt),
				TabID:       req.TabID,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("failed to record finalization fact")
			}
			if out.Degraded {
				err := p.deps.Outbox.InsertFinalizationDegradedEvent(gctx, a.ID, events.FinalizationDegradedPayload{
					AttemptID: a.ID.String(),
					ModuleID:  a.ModuleID,
					UserID:    a.UserID,
					Reason:    string(req.Reason),
					Stage:     strings.Join(out.DegradedStages, ","),
					Score:     a.Score,
					At:        p.deps.Clock.Now().UTC(),
				})
				if err != nil {
					logger.Error().Err(err).Msg("failed to surface degraded finalization")
				}
			}
			return nil
		})
	}

	_ = g.Wait()
}

// BuildRecords scores every question in order. Unanswered and auto-submitted
// questions score 0 and are unattempted. The aggregate is the mean over scored
// questions.
func BuildRecords(order []string, questions []models.Question, a *models.Attempt, ev scoring.Evaluator) ([]models.PerQuestionAttemptRecord, float64) {
	byID := make(map[string]models.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	records := make([]models.PerQuestionAttemptRecord, 0, len(order))
	results := make([]scoring.Result, 0, len(order))
	for i, qid := range order {
		q, ok := byID[qid]
		if !ok {
			q = models.Question{ID: qid}
		}
		rec := models.PerQuestionAttemptRecord{
			QuestionID:    qid,
			Index:         i,
			Autosubmitted: a.AutoSubmitted[qid],
			Status:        models.QuestionUnattempted,
		}
		if t, ok := a.QuestionTimes[qid]; ok {
			rec.StartedAt, rec.SubmittedAt = t.StartedAt, t.SubmittedAt
		}

		var given *models.AnswerValue
		if v, ok := a.Answers[qid]; ok && !v.IsEmpty() {
			vv := v
			rec.UserAnswer = &vv
			if !rec.Autosubmitted {
				given = &vv
				rec.Status = models.QuestionAttempted
			}
		}

		res := ev.Evaluate(q, given)
		rec.Scored = res.Scored
		rec.IsCorrect = res.IsCorrect
		rec.ScorePercent = res.ScorePercent
		rec.CorrectParts = res.CorrectParts
		rec.TotalParts = res.TotalParts

		records = append(records, rec)
		results = append(results, res)
	}
	return records, scoring.Mean(results)
}

// Summarize counts attempted questions of a finalized attempt.
func Summarize(a *models.Attempt) tabsync.ResultSummary {
	s := tabsync.ResultSummary{Score: a.Score, Total: len(a.QuestionOrder)}
	if len(a.PerQuestionAttempts) > 0 {
		for _, r := range a.PerQuestionAttempts {
			if r.Status == models.QuestionAttempted {
				s.Answered++
			}
		}
		return s
	}
	for _, qid := range a.QuestionOrder {
		if a.IsAnswered(qid) && !a.AutoSubmitted[qid] {
			s.Answered++
		}
	}
	return s
}

// DailyStatsFor is the stats contribution of one finalized attempt.
func DailyStatsFor(a *models.Attempt) stats.DailyStats {
	s := stats.DailyStats{
		UserID:         a.UserID,
		ModuleID:       a.ModuleID,
		Day:            deref(a.EndedAt),
		Attempts:       1,
		QuestionsTotal: len(a.QuestionOrder),
		ScoreSum:       a.Score,
		TimeSpent:      time.Duration(a.DurationMS) * time.Millisecond,
	}
	for _, r := range a.PerQuestionAttempts {
		if r.Status == models.QuestionAttempted {
			s.QuestionsAnswered++
		}
		if r.IsCorrect {
			s.QuestionsCorrect++
		}
	}
	return s
}

func mergeAnswers(a *models.Attempt, req Request) *models.Attempt {
	m := a.Clone()
	models.AttemptFields{
		Answers:       req.Answers,
		AutoSubmitted: req.AutoSubmitted,
		QuestionTimes: req.QuestionTimes,
	}.Apply(m)
	return m
}

func applyFinal(a *models.Attempt, f models.FinalizeFields) {
	a.PerQuestionAttempts = f.PerQuestionAttempts
	a.Score = f.Score
	ended := f.EndedAt
	a.EndedAt = &ended
	a.DurationMS = f.DurationMS
	a.FinalizationReason = f.Reason
	a.Completed = true
	a.Finalized = true
}

func durationMS(a *models.Attempt, now time.Time) int64 {
	d := now.Sub(a.StartedAt)
	if d < 0 {
		d = 0
	}
	return d.Milliseconds()
}

// permanentIf stops retrying on errors that will not change.
func permanentIf(err error) error {
	if errors.Is(err, attempt.ErrNotFound) || errors.Is(err, attempt.ErrAlreadyFinalized) {
		return retry.Permanent(err)
	}
	return err
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
