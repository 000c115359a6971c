// Package scoring grades single answers and aggregates attempt scores.
package scoring

import (
	"strings"

	"github.com/mcdev12/examengine/go/internal/models"
)

// Result is the outcome of grading one answer.
type Result struct {
	Scored       bool
	IsCorrect    bool
	ScorePercent float64
	CorrectParts int
	TotalParts   int
}

// Evaluator grades a learner answer. A nil answer means unanswered.
type Evaluator interface {
	Evaluate(q models.Question, answer *models.AnswerValue) Result
}

// AlternativeSeparator splits accepted alternatives inside one correct answer,
// e.g. "colour|color".
const AlternativeSeparator = "|"

// DefaultEvaluator grades by normalized string comparison. Questions without
// correct answers (open essays) are left unscored.
type DefaultEvaluator struct {
	CaseSensitive bool
}

func NewDefaultEvaluator() *DefaultEvaluator {
	return &DefaultEvaluator{}
}

func (e *DefaultEvaluator) Evaluate(q models.Question, answer *models.AnswerValue) Result {
	if len(q.CorrectAnswers) == 0 {
		return Result{}
	}

	switch q.Type {
	case models.QuestionTypeFillBlanks, models.QuestionTypeMatching:
		return e.evaluateParts(q, answer)
	default:
		return e.evaluateSingle(q, answer)
	}
}

func (e *DefaultEvaluator) evaluateSingle(q models.Question, answer *models.AnswerValue) Result {
	res := Result{Scored: true, TotalParts: 1}
	if answer == nil || answer.IsEmpty() {
		return res
	}

	given := answer.Text
	if answer.List && len(answer.Parts) > 0 {
		given = answer.Parts[0]
	}
	for _, correct := range q.CorrectAnswers {
		if e.matches(given, correct) {
			res.IsCorrect = true
			res.CorrectParts = 1
			res.ScorePercent = 100
			return res
		}
	}
	return res
}

func (e *DefaultEvaluator) evaluateParts(q models.Question, answer *models.AnswerValue) Result {
	total := len(q.CorrectAnswers)
	res := Result{Scored: true, TotalParts: total}
	if answer == nil || answer.IsEmpty() {
		return res
	}

	given := answer.Values()
	for i, correct := range q.CorrectAnswers {
		if i < len(given) && e.matches(given[i], correct) {
			res.CorrectParts++
		}
	}
	res.ScorePercent = float64(res.CorrectParts) / float64(total) * 100
	res.IsCorrect = res.CorrectParts == total
	return res
}

func (e *DefaultEvaluator) matches(given, correct string) bool {
	g := e.normalize(given)
	if g == "" {
		return false
	}
	for _, alt := range strings.Split(correct, AlternativeSeparator) {
		if g == e.normalize(alt) {
			return true
		}
	}
	return false
}

func (e *DefaultEvaluator) normalize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if !e.CaseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

// Mean averages ScorePercent over scored results. Returns 0 when nothing is scored.
func Mean(results []Result) float64 {
	var sum float64
	n := 0
	for _, r := range results {
		if !r.Scored {
			continue
		}
		sum += r.ScorePercent
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
