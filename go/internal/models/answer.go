package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// AnswerValue is a learner answer. Single-response questions carry Text,
// multi-part questions (fill in the blanks, matching) carry Parts.
type AnswerValue struct {
	Text  string
	Parts []string
	List  bool
}

// TextAnswer builds a single-response answer.
func TextAnswer(s string) AnswerValue {
	return AnswerValue{Text: s}
}

// ListAnswer builds a multi-part answer.
func ListAnswer(parts ...string) AnswerValue {
	return AnswerValue{Parts: append([]string(nil), parts...), List: true}
}

// IsEmpty reports whether the answer has no non-blank content.
func (a AnswerValue) IsEmpty() bool {
	if !a.List {
		return strings.TrimSpace(a.Text) == ""
	}
	for _, p := range a.Parts {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}

// Values returns the answer as a slice regardless of its shape.
func (a AnswerValue) Values() []string {
	if a.List {
		return append([]string(nil), a.Parts...)
	}
	return []string{a.Text}
}

func (a AnswerValue) clone() AnswerValue {
	if a.Parts != nil {
		a.Parts = append([]string(nil), a.Parts...)
	}
	return a
}

func (a AnswerValue) String() string {
	if a.List {
		return strings.Join(a.Parts, ", ")
	}
	return a.Text
}

func (a AnswerValue) MarshalJSON() ([]byte, error) {
	if a.List {
		parts := a.Parts
		if parts == nil {
			parts = []string{}
		}
		return json.Marshal(parts)
	}
	return json.Marshal(a.Text)
}

// UnmarshalJSON accepts either a string or a list of strings. Older records
// stored numbers for option indexes, those are kept as their text form.
func (a *AnswerValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = AnswerValue{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode answer text: %w", err)
		}
		*a = TextAnswer(s)
		return nil
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode answer list: %w", err)
		}
		parts := make([]string, 0, len(raw))
		for _, r := range raw {
			var s string
			if err := json.Unmarshal(r, &s); err != nil {
				s = string(bytes.TrimSpace(r))
			}
			parts = append(parts, s)
		}
		*a = AnswerValue{Parts: parts, List: true}
		return nil
	default:
		*a = TextAnswer(string(data))
		return nil
	}
}
