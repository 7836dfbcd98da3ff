package rules

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	cmodels "hcert/internal/credential/models"
	"hcert/internal/platform/logger"
	"hcert/internal/platform/tracer"
	"hcert/internal/rules/models"
)

// Input carries everything a rule validation needs.
type Input struct {
	Payload           *cmodels.Payload
	IssuerCountry     string
	IssuedAt          time.Time
	Expiration        time.Time
	Kid               []byte
	AcceptanceCountry string
	Region            string
	At                time.Time
}

// Validator evaluates the rules of one acceptance country.
type Validator interface {
	Validate(ctx context.Context, in Input) models.Result
}

// RuleSetGetter returns the current rule list, typically a
// *cache.Cache[*models.RuleSet].
type RuleSetGetter interface {
	Get(ctx context.Context) (*models.RuleSet, error)
}

// ValueSetGetter returns the current value sets.
type ValueSetGetter interface {
	Get(ctx context.Context) (*models.ValueSets, error)
}

// CountryValidator resolves rules from a rule list and evaluates them.
type CountryValidator struct {
	rules          RuleSetGetter
	valueSets      ValueSetGetter
	evaluator      Evaluator
	partialAllowed bool
	language       string
	logger         *slog.Logger
	tracer         tracer.Tracer
}

// ValidatorOption configures a CountryValidator.
type ValidatorOption func(*CountryValidator)

// WithValueSets supplies value sets to the facts.
func WithValueSets(v ValueSetGetter) ValidatorOption {
	return func(c *CountryValidator) {
		c.valueSets = v
	}
}

// WithPartialVaccinationPolicy reports PartiallyValid instead of Valid
// when every rule passes but the vaccination series is incomplete.
func WithPartialVaccinationPolicy() ValidatorOption {
	return func(c *CountryValidator) {
		c.partialAllowed = true
	}
}

func WithLanguage(lang string) ValidatorOption {
	return func(c *CountryValidator) {
		if lang != "" {
			c.language = lang
		}
	}
}

func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(c *CountryValidator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithValidatorTracer(t tracer.Tracer) ValidatorOption {
	return func(c *CountryValidator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewCountryValidator creates a validator over rules evaluated by evaluator.
func NewCountryValidator(rules RuleSetGetter, evaluator Evaluator, opts ...ValidatorOption) *CountryValidator {
	v := &CountryValidator{
		rules:     rules,
		evaluator: evaluator,
		language:  "en",
		logger:    logger.Discard(),
		tracer:    tracer.NewNoop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate never fails: an unavailable rule list or a failing rule
// evaluation yields OpenResult.
func (v *CountryValidator) Validate(ctx context.Context, in Input) models.Result {
	country := cmodels.NormalizeCountry(in.AcceptanceCountry)
	ctx, span := v.tracer.Start(ctx, tracer.SpanValidationRules, tracer.String(tracer.AttrCountry, country))
	defer span.End(nil)

	res := models.Result{Country: country}
	set, err := v.rules.Get(ctx)
	if err != nil {
		v.logger.WarnContext(ctx, "rule list unavailable", "country", country, "error", err)
		res.Status = models.StatusOpen
		res.Error = err.Error()
		return res
	}

	var codes map[string][]string
	if v.valueSets != nil {
		sets, err := v.valueSets.Get(ctx)
		if err != nil {
			v.logger.WarnContext(ctx, "value sets unavailable", "error", err)
		}
		codes = sets.Codes()
	}

	applicable := Resolve(set.Rules, Query{
		At:                in.At,
		AcceptanceCountry: country,
		IssuanceCountry:   in.IssuerCountry,
		CertificateType:   CertificateTypeOf(in.Payload),
		Region:            in.Region,
	})

	facts, err := NewFacts(in.Payload, External{
		ValidationClock:   in.At,
		ValueSets:         codes,
		CountryCode:       country,
		Region:            in.Region,
		Expiration:        in.Expiration,
		IssuedAt:          in.IssuedAt,
		IssuerCountryCode: cmodels.NormalizeCountry(in.IssuerCountry),
		Kid:               in.Kid,
	})
	if err != nil {
		res.Status = models.StatusOpen
		res.Error = err.Error()
		return res
	}

	for _, r := range applicable {
		outcome := models.RuleOutcome{
			Identifier:  r.Identifier,
			Type:        r.Type,
			Version:     r.Version,
			Country:     r.Country,
			Description: r.DescriptionFor(v.language),
		}
		result, err := v.evaluator.Evaluate(ctx, r.Logic, facts)
		switch {
		case err != nil:
			outcome.Outcome = models.OutcomeOpen
			outcome.Error = err.Error()
		case result == models.OutcomePassed || result == models.OutcomeFail:
			outcome.Outcome = result
		default:
			outcome.Outcome = models.OutcomeOpen
		}
		res.Details = append(res.Details, outcome)
	}

	res.Status = v.aggregate(res.Details, in.Payload)
	return res
}

func (v *CountryValidator) aggregate(details []models.RuleOutcome, payload *cmodels.Payload) models.Status {
	open := false
	for _, d := range details {
		switch d.Outcome {
		case models.OutcomeFail:
			return models.StatusNotValid
		case models.OutcomeOpen:
			open = true
		}
	}
	if open {
		return models.StatusOpen
	}
	if v.partialAllowed && payload.IsPartialVaccination() {
		return models.StatusPartiallyValid
	}
	return models.StatusValid
}

// CertificateTypeOf maps a payload to the rule certificate type. Payloads
// without vaccination, test or recovery entries only match GENERAL rules.
func CertificateTypeOf(p *cmodels.Payload) models.CertificateType {
	switch p.Type() {
	case cmodels.TypeVaccination:
		return models.CertificateVaccination
	case cmodels.TypeTest:
		return models.CertificateTest
	case cmodels.TypeRecovery:
		return models.CertificateRecovery
	default:
		return models.CertificateGeneral
	}
}

// Registry maps acceptance countries to validators.
type Registry struct {
	mu        sync.RWMutex
	byCountry map[string]Validator
	fallback  Validator
}

func NewRegistry() *Registry {
	return &Registry{byCountry: make(map[string]Validator)}
}

// Register installs v for country.
func (r *Registry) Register(country string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCountry[strings.ToUpper(strings.TrimSpace(country))] = v
}

// SetDefault installs the validator used for unregistered countries.
func (r *Registry) SetDefault(v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = v
}

// For returns the validator for country, or false when none is configured.
func (r *Registry) For(country string) (Validator, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.byCountry[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return v, true
	}
	return r.fallback, r.fallback != nil
}
