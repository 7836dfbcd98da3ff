package rules

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cmodels "hcert/internal/credential/models"
	"hcert/internal/rules/models"
)

// Evaluator evaluates opaque rule logic against validation facts.
type Evaluator interface {
	Evaluate(ctx context.Context, logic json.RawMessage, facts map[string]any) (models.Outcome, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, logic json.RawMessage, facts map[string]any) (models.Outcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, logic json.RawMessage, facts map[string]any) (models.Outcome, error) {
	return f(ctx, logic, facts)
}

// ErrNoEngine is reported for every rule when no logic engine is wired.
var ErrNoEngine = errors.New("no rule logic engine configured")

// NoEngine leaves every rule OPEN.
func NoEngine() Evaluator {
	return EvaluatorFunc(func(context.Context, json.RawMessage, map[string]any) (models.Outcome, error) {
		return models.OutcomeOpen, ErrNoEngine
	})
}

// External is the non-payload part of the validation facts.
type External struct {
	ValidationClock   time.Time
	ValueSets         map[string][]string
	CountryCode       string
	Region            string
	Expiration        time.Time
	IssuedAt          time.Time
	IssuerCountryCode string
	Kid               []byte
}

// NewFacts builds the {"payload", "external"} data object rule logic is
// evaluated against. Times are RFC 3339 strings.
func NewFacts(payload *cmodels.Payload, ext External) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload facts: %w", err)
	}
	var p any
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("encode payload facts: %w", err)
	}
	valueSets := make(map[string]any, len(ext.ValueSets))
	for id, codes := range ext.ValueSets {
		list := make([]any, len(codes))
		for i, c := range codes {
			list[i] = c
		}
		valueSets[id] = list
	}
	return map[string]any{
		"payload": p,
		"external": map[string]any{
			"validationClock":   ext.ValidationClock.Format(time.RFC3339),
			"valueSets":         valueSets,
			"countryCode":       ext.CountryCode,
			"region":            ext.Region,
			"exp":               formatTime(ext.Expiration),
			"iat":               formatTime(ext.IssuedAt),
			"issuerCountryCode": ext.IssuerCountryCode,
			"kid":               base64.StdEncoding.EncodeToString(ext.Kid),
		},
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
