package validation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"github.com/veraison/go-cose"

	cmodels "hcert/internal/credential/models"
	"hcert/internal/hcert"
	"hcert/internal/platform/metrics"
	"hcert/internal/revocation"
	rmodels "hcert/internal/revocation/models"
	"hcert/internal/rules"
	rulesmodels "hcert/internal/rules/models"
	"hcert/internal/trustlist"
	tlmodels "hcert/internal/trustlist/models"
	"hcert/internal/verify"
)

// =============================================================================
// Validation Orchestrator Test Suite
// =============================================================================
// End-to-end runs over the real codec and verifier. Only revocation and
// rule logic are replaced with in-test fakes.

type fakeRevocation struct {
	result rmodels.Result
	calls  int
	got    revocation.Identifiers
}

func (f *fakeRevocation) Check(_ context.Context, ids revocation.Identifiers) rmodels.Result {
	f.calls++
	f.got = ids
	return f.result
}

type staticRuleSet struct{ set *rulesmodels.RuleSet }

func (s staticRuleSet) Get(context.Context) (*rulesmodels.RuleSet, error) { return s.set, nil }

var testKid = []byte{0x0a, 0x1b, 0x2c, 0x3d, 0x4e, 0x5f, 0x60, 0x71}

type OrchestratorSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	key     *ecdsa.PrivateKey
	codec   *hcert.Codec
	finder  *trustlist.StaticFinder
	metrics *metrics.Metrics
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupSuite() {
	var err error
	s.key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	s.Require().NoError(err)
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2022, 2, 1, 10, 0, 0, 0, time.UTC)
	s.codec = hcert.NewCodec()
	trusted, err := tlmodels.NewTrustedKey(testKid, "AT", &s.key.PublicKey, nil)
	s.Require().NoError(err)
	s.finder = trustlist.NewStaticFinder(trusted)
	s.metrics = metrics.New(prometheus.NewRegistry())
}

func (s *OrchestratorSuite) issue(issuer string) string {
	signer, err := cose.NewSigner(cose.AlgorithmES256, s.key)
	s.Require().NoError(err)
	raw, err := hcert.Encode(&cmodels.Payload{
		Version:     "1.3.0",
		Name:        cmodels.Name{FamilyNameStandardised: "MUSTERFRAU<GABRIELE", GivenNameStandardised: "GABRIELE"},
		DateOfBirth: "1998-02-26",
		Vaccinations: []cmodels.Vaccination{{
			Disease: "840539006", VaccineProphylaxis: "1119349007", MedicinalProduct: "EU/1/20/1528",
			Manufacturer: "ORG-100030215", DoseNumber: 2, TotalSeriesOfDoses: 2, DateOfVaccination: "2021-06-11",
			Country: issuer, Issuer: "Ministry of Health", CertificateIdentifier: "URN:UVCI:01:AT:10807843F94AEE0EE5093FBC254BD813#B",
		}},
	}, hcert.Claims{
		Issuer:     issuer,
		IssuedAt:   s.now.Add(-30 * 24 * time.Hour),
		Expiration: s.now.Add(300 * 24 * time.Hour),
	}, signer, hcert.EncodeOptions{KeyID: testKid})
	s.Require().NoError(err)
	return raw
}

func (s *OrchestratorSuite) orchestrator(opts ...Option) *Orchestrator {
	v := verify.New(s.finder, verify.WithNow(func() time.Time { return s.now }))
	opts = append([]Option{WithNow(func() time.Time { return s.now }), WithMetrics(s.metrics)}, opts...)
	o, err := New(s.codec, v, opts...)
	s.Require().NoError(err)
	return o
}

func (s *OrchestratorSuite) TestNew() {
	s.Run("nil decoder", func() {
		_, err := New(nil, verify.New(s.finder))
		s.ErrorContains(err, "decoder is required")
	})
	s.Run("nil verifier", func() {
		_, err := New(s.codec, nil)
		s.ErrorContains(err, "signature verifier is required")
	})
}

func (s *OrchestratorSuite) TestMalformedBase45IsNotEuDCC() {
	res := s.orchestrator().Validate(s.ctx, Request{Credential: "HC1:6BF!QZ"})

	s.Equal(StatusNotEuDCC, res.Status)
	s.Require().NotNil(res.Decode)
	s.Equal(hcert.StageBase45, res.Decode.Stage)
	s.Nil(res.Signature)
	s.Nil(res.Payload)
	s.NotEmpty(res.ID)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.ValidationsTotal.WithLabelValues(string(StatusNotEuDCC))))
}

func (s *OrchestratorSuite) TestUnknownSignerIsInvalidSignature() {
	// Given a credential from issuer XX whose kid is not trusted for XX
	raw := s.issue("XX")
	rev := &fakeRevocation{}

	// When validating
	res := s.orchestrator(WithRevocation(rev)).Validate(s.ctx, Request{Credential: raw})

	// Then the signer is reported and later stages are skipped
	s.Equal(StatusInvalidSignature, res.Status)
	s.Require().NotNil(res.Signature)
	s.Require().NotNil(res.Signature.UnknownSigner)
	s.Equal("XX", res.Signature.UnknownSigner.Issuer)
	s.Equal(testKid, res.Signature.UnknownSigner.Kid)
	s.Require().NotNil(res.Payload)
	s.Equal("1998-02-26", res.Payload.DateOfBirth)
	s.Nil(res.Revocation)
	s.Zero(rev.calls)
}

func (s *OrchestratorSuite) TestExpiredCredentialIsInvalidSignature() {
	raw := s.issue("AT")
	s.now = s.now.Add(400 * 24 * time.Hour)

	res := s.orchestrator().Validate(s.ctx, Request{Credential: raw})

	s.Equal(StatusInvalidSignature, res.Status)
	s.True(res.Signature.Expired)
	s.Nil(res.Signature.UnknownSigner)
}

func (s *OrchestratorSuite) TestNoRuleValidatorNeedsRulesVerification() {
	res := s.orchestrator().Validate(s.ctx, Request{Credential: s.issue("AT"), AcceptanceCountry: "DE"})

	s.Equal(StatusNeedRulesVerification, res.Status)
	s.True(res.Signature.Valid)
	s.Require().NotNil(res.Revocation)
	s.False(res.Revocation.Checked)
	s.Nil(res.Rules)
}

func (s *OrchestratorSuite) TestRevokedIsBlacklisted() {
	rev := &fakeRevocation{result: rmodels.Result{Checked: true, Revoked: true, MatchedSourceType: rmodels.HashCountryCodeUCI}}

	res := s.orchestrator(WithRevocation(rev), WithRules(rules.NewRegistry())).
		Validate(s.ctx, Request{Credential: s.issue("AT")})

	s.Equal(StatusBlacklisted, res.Status)
	s.Equal(rmodels.HashCountryCodeUCI, res.Revocation.MatchedSourceType)
	s.Equal("URN:UVCI:01:AT:10807843F94AEE0EE5093FBC254BD813#B", rev.got.UCI)
	s.Equal("AT", rev.got.IssuerCountry)
	s.Len(rev.got.Signature, 32)
	s.Nil(res.Rules)
}

func (s *OrchestratorSuite) TestRulesStatusIsAdopted() {
	logic := json.RawMessage(`{"fail-when-dose":1}`)
	set := &rulesmodels.RuleSet{Rules: []rulesmodels.Rule{{
		Identifier: "VR-DE-0001", Type: rulesmodels.RuleTypeAcceptance, Country: "DE", Version: "1.0.0",
		CertificateType: rulesmodels.CertificateVaccination,
		ValidFrom:       s.now.Add(-time.Hour), ValidTo: s.now.Add(time.Hour), Logic: logic,
	}}}
	failing := rules.EvaluatorFunc(func(_ context.Context, _ json.RawMessage, facts map[string]any) (rulesmodels.Outcome, error) {
		ext := facts["external"].(map[string]any)
		if ext["countryCode"] != "DE" {
			return rulesmodels.OutcomePassed, nil
		}
		return rulesmodels.OutcomeFail, nil
	})
	registry := rules.NewRegistry()
	registry.Register("DE", rules.NewCountryValidator(staticRuleSet{set: set}, failing))

	s.Run("explicit acceptance country", func() {
		res := s.orchestrator(WithRevocation(&fakeRevocation{result: rmodels.Result{Checked: true}}), WithRules(registry)).
			Validate(s.ctx, Request{Credential: s.issue("AT"), AcceptanceCountry: "DE"})

		s.Equal(StatusNotValid, res.Status)
		s.Require().NotNil(res.Rules)
		s.Equal("DE", res.Rules.Country)
		s.True(res.Revocation.Checked)
	})

	s.Run("default acceptance country", func() {
		res := s.orchestrator(WithRules(registry), WithDefaultCountry("DE")).
			Validate(s.ctx, Request{Credential: s.issue("AT")})

		s.Equal(StatusNotValid, res.Status)
	})

	s.Run("country without validator", func() {
		res := s.orchestrator(WithRules(registry)).
			Validate(s.ctx, Request{Credential: s.issue("AT"), AcceptanceCountry: "FR"})

		s.Equal(StatusNeedRulesVerification, res.Status)
	})
}

func (s *OrchestratorSuite) TestResultJSON() {
	res := s.orchestrator().Validate(s.ctx, Request{Credential: s.issue("XX")})

	raw, err := json.Marshal(res)
	s.Require().NoError(err)

	var doc map[string]any
	s.Require().NoError(json.Unmarshal(raw, &doc))
	s.Equal("InvalidSignature", doc["overallStatus"])
	sig := doc["signature"].(map[string]any)
	s.Equal(false, sig["valid"])
	s.Equal("XX", sig["unknownSigner"].(map[string]any)["issuer"])
}
