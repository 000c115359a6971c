package scoring

import (
	"testing"

	"github.com/mcdev12/examengine/go/internal/models"
)

func answer(v models.AnswerValue) *models.AnswerValue { return &v }

func TestDefaultEvaluator(t *testing.T) {
	mcq := models.Question{ID: "q1", Type: models.QuestionTypeMCQ, CorrectAnswers: []string{"A"}}
	text := models.Question{ID: "q2", Type: models.QuestionTypeText, CorrectAnswers: []string{"colour|color"}}
	blanks := models.Question{ID: "q3", Type: models.QuestionTypeFillBlanks, CorrectAnswers: []string{"go", "channel", "select", "mutex"}}
	essay := models.Question{ID: "q4", Type: models.QuestionTypeText}

	cases := []struct {
		name string
		q    models.Question
		a    *models.AnswerValue
		want Result
	}{
		{"mcq correct", mcq, answer(models.TextAnswer("A")), Result{Scored: true, IsCorrect: true, ScorePercent: 100, CorrectParts: 1, TotalParts: 1}},
		{"mcq case folded", mcq, answer(models.TextAnswer(" a ")), Result{Scored: true, IsCorrect: true, ScorePercent: 100, CorrectParts: 1, TotalParts: 1}},
		{"mcq wrong", mcq, answer(models.TextAnswer("B")), Result{Scored: true, TotalParts: 1}},
		{"mcq unanswered", mcq, nil, Result{Scored: true, TotalParts: 1}},
		{"text alternative", text, answer(models.TextAnswer("Color")), Result{Scored: true, IsCorrect: true, ScorePercent: 100, CorrectParts: 1, TotalParts: 1}},
		{"blanks partial", blanks, answer(models.ListAnswer("go", "chan", "select", "")), Result{Scored: true, ScorePercent: 50, CorrectParts: 2, TotalParts: 4}},
		{"blanks full", blanks, answer(models.ListAnswer("Go", "channel", "select", "mutex")), Result{Scored: true, IsCorrect: true, ScorePercent: 100, CorrectParts: 4, TotalParts: 4}},
		{"blanks short list", blanks, answer(models.ListAnswer("go")), Result{Scored: true, ScorePercent: 25, CorrectParts: 1, TotalParts: 4}},
		{"essay unscored", essay, answer(models.TextAnswer("long prose")), Result{}},
	}

	e := NewDefaultEvaluator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := e.Evaluate(tc.q, tc.a)
			if got != tc.want {
				t.Fatalf("want=%+v got=%+v", tc.want, got)
			}
		})
	}
}

func TestCaseSensitiveEvaluator(t *testing.T) {
	e := &DefaultEvaluator{CaseSensitive: true}
	q := models.Question{Type: models.QuestionTypeText, CorrectAnswers: []string{"NaCl"}}
	if e.Evaluate(q, answer(models.TextAnswer("nacl"))).IsCorrect {
		t.Fatalf("case-sensitive evaluator accepted wrong case")
	}
}

func TestMeanSkipsUnscored(t *testing.T) {
	got := Mean([]Result{
		{Scored: true, ScorePercent: 100},
		{Scored: true, ScorePercent: 0},
		{Scored: false, ScorePercent: 100},
	})
	if got != 50 {
		t.Fatalf("want=50 got=%v", got)
	}
	if Mean(nil) != 0 {
		t.Fatalf("empty mean should be 0")
	}
}
