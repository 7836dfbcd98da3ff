package validation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hcert/internal/hcert"
	"hcert/internal/platform/logger"
	"hcert/internal/platform/metrics"
	"hcert/internal/platform/tracer"
	"hcert/internal/revocation"
	rmodels "hcert/internal/revocation/models"
	"hcert/internal/rules"
	"hcert/internal/verify"
)

// Decoder turns a credential string into its decoded parts.
type Decoder interface {
	Decode(raw string) (*hcert.Credential, error)
}

// SignatureVerifier checks the credential signature.
type SignatureVerifier interface {
	Verify(ctx context.Context, msg *hcert.Sign1, claims hcert.Claims) (*verify.Result, error)
}

// RevocationChecker looks a credential up in the revocation list.
type RevocationChecker interface {
	Check(ctx context.Context, ids revocation.Identifiers) rmodels.Result
}

// RuleValidators selects the rule validator of an acceptance country.
type RuleValidators interface {
	For(country string) (rules.Validator, bool)
}

// Request is one validation request.
type Request struct {
	Credential        string
	AcceptanceCountry string
	Region            string
	// At is the instant rules are evaluated for; zero means now.
	At time.Time
}

// Orchestrator runs the validation stages in order and stops at the first
// stage that determines the outcome.
type Orchestrator struct {
	decoder        Decoder
	verifier       SignatureVerifier
	revocation     RevocationChecker
	rules          RuleValidators
	defaultCountry string
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         tracer.Tracer
	now            func() time.Time
	newID          func() string
}

type Option func(*Orchestrator)

// WithRevocation enables the revocation stage.
func WithRevocation(c RevocationChecker) Option {
	return func(o *Orchestrator) {
		o.revocation = c
	}
}

// WithRules enables rule validation. Without it every credential that
// passes the earlier stages ends as NeedRulesVerification.
func WithRules(r RuleValidators) Option {
	return func(o *Orchestrator) {
		o.rules = r
	}
}

// WithDefaultCountry sets the acceptance country used when a request names none.
func WithDefaultCountry(country string) Option {
	return func(o *Orchestrator) {
		o.defaultCountry = country
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator. The decoder and verifier are required.
func New(decoder Decoder, verifier SignatureVerifier, opts ...Option) (*Orchestrator, error) {
	if decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if verifier == nil {
		return nil, errors.New("signature verifier is required")
	}
	o := &Orchestrator{
		decoder:  decoder,
		verifier: verifier,
		logger:   logger.Discard(),
		tracer:   tracer.NewNoop(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Validate never returns an error: every outcome, including undecodable
// input, is a Result.
func (o *Orchestrator) Validate(ctx context.Context, req Request) *Result {
	start := o.now()
	ctx, span := o.tracer.Start(ctx, tracer.SpanValidation)
	res := &Result{ID: o.newID(), ValidatedAt: start}
	res.Status = o.run(ctx, req, res)

	span.SetAttributes(tracer.String(tracer.AttrStatus, string(res.Status)))
	span.End(nil)
	o.metrics.RecordValidation(string(res.Status), o.now().Sub(start))
	o.logger.InfoContext(ctx, "credential validated",
		"id", res.ID,
		"status", res.Status,
		"issuer", issuerOf(res),
	)
	return res
}

func (o *Orchestrator) run(ctx context.Context, req Request, res *Result) Status {
	cred, err := o.decode(ctx, req.Credential)
	if err != nil {
		res.Decode = &DecodeResult{Stage: hcert.StageOf(err), Error: err.Error()}
		return StatusNotEuDCC
	}
	res.Claims = &cred.Claims
	res.Payload = cred.Payload

	sig, err := o.verifier.Verify(ctx, cred.Sign1, cred.Claims)
	res.Signature = &SignatureResult{Result: sig}
	if err != nil {
		res.Signature.Error = err.Error()
		var unknown *verify.UnknownSignerError
		if errors.As(err, &unknown) {
			res.Signature.UnknownSigner = unknown
		}
		return StatusInvalidSignature
	}

	if o.revocation == nil {
		res.Revocation = &rmodels.Result{Error: "revocation checking not configured"}
	} else {
		rctx, span := o.tracer.Start(ctx, tracer.SpanValidationRevocation)
		rev := o.revocation.Check(rctx, revocation.Identifiers{
			UCI:           cred.Payload.CertificateIdentifier(),
			IssuerCountry: cred.Claims.Issuer,
			Signature:     verify.SignatureIdentifier(cred.Sign1),
		})
		span.SetAttributes(tracer.Bool("revocation.checked", rev.Checked), tracer.Bool("revocation.revoked", rev.Revoked))
		span.End(nil)
		res.Revocation = &rev
		if rev.Revoked {
			return StatusBlacklisted
		}
	}

	country := req.AcceptanceCountry
	if country == "" {
		country = o.defaultCountry
	}
	if o.rules == nil {
		return StatusNeedRulesVerification
	}
	validator, ok := o.rules.For(country)
	if !ok || validator == nil {
		return StatusNeedRulesVerification
	}
	at := req.At
	if at.IsZero() {
		at = o.now()
	}
	ruled := validator.Validate(ctx, rules.Input{
		Payload:           cred.Payload,
		IssuerCountry:     cred.Claims.Issuer,
		IssuedAt:          cred.Claims.IssuedAt,
		Expiration:        cred.Claims.Expiration,
		Kid:               cred.Sign1.KeyID,
		AcceptanceCountry: country,
		Region:            req.Region,
		At:                at,
	})
	res.Rules = &ruled
	return Status(ruled.Status)
}

func (o *Orchestrator) decode(ctx context.Context, raw string) (cred *hcert.Credential, err error) {
	_, span := o.tracer.Start(ctx, tracer.SpanValidationDecode)
	defer func() { span.End(err) }()
	return o.decoder.Decode(raw)
}

func issuerOf(res *Result) string {
	if res.Claims == nil {
		return ""
	}
	return res.Claims.Issuer
}
