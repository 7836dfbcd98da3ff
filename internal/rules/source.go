// Package rules resolves and evaluates country business rules for
// decoded credentials.
package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hcert/internal/fetch"
	"hcert/internal/rules/models"
)

// RuleSource fetches the business rule list.
type RuleSource struct {
	name    string
	url     string
	fetcher fetch.Fetcher
	now     func() time.Time
}

// NewRuleSource creates a rule list source. The server may answer with a
// {"lastUpdate", "rules"} object or with a bare rule array.
func NewRuleSource(name, url string, fetcher fetch.Fetcher, now func() time.Time) *RuleSource {
	if now == nil {
		now = time.Now
	}
	return &RuleSource{name: name, url: url, fetcher: fetcher, now: now}
}

func (s *RuleSource) Name() string { return s.name }

func (s *RuleSource) Timestamp(v *models.RuleSet) time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.LastUpdate
}

func (s *RuleSource) Fetch(ctx context.Context) (*models.RuleSet, error) {
	body, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	set := &models.RuleSet{}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &set.Rules); err != nil {
			return nil, fmt.Errorf("decode rule list: %w", err)
		}
	} else if err := json.Unmarshal(body, set); err != nil {
		return nil, fmt.Errorf("decode rule list: %w", err)
	}
	if set.LastUpdate.IsZero() {
		set.LastUpdate = s.now()
	}
	return set, nil
}

// ValueSetSource fetches the value sets referenced by rule logic.
type ValueSetSource struct {
	name    string
	url     string
	fetcher fetch.Fetcher
	now     func() time.Time
}

func NewValueSetSource(name, url string, fetcher fetch.Fetcher, now func() time.Time) *ValueSetSource {
	if now == nil {
		now = time.Now
	}
	return &ValueSetSource{name: name, url: url, fetcher: fetcher, now: now}
}

func (s *ValueSetSource) Name() string { return s.name }

func (s *ValueSetSource) Timestamp(v *models.ValueSets) time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.LastUpdate
}

func (s *ValueSetSource) Fetch(ctx context.Context) (*models.ValueSets, error) {
	body, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	sets := &models.ValueSets{}
	if err := json.Unmarshal(body, sets); err != nil {
		return nil, fmt.Errorf("decode value sets: %w", err)
	}
	if sets.LastUpdate.IsZero() {
		sets.LastUpdate = s.now()
	}
	return sets, nil
}
