package rules

import (
	"sort"
	"strings"
	"time"

	"hcert/internal/rules/models"

	"github.com/Masterminds/semver/v3"
)

// Query selects the rules applicable to one validation.
type Query struct {
	At                time.Time
	AcceptanceCountry string
	IssuanceCountry   string
	CertificateType   models.CertificateType
	Region            string
}

type groupKey struct {
	identifier string
	ruleType   models.RuleType
	region     string
}

type candidate struct {
	rule    models.Rule
	version *semver.Version
}

// Resolve returns the rules applicable to q: acceptance rules of the
// acceptance country plus, when the issuance country differs, invalidation
// rules of the issuance country. Of several versions of the same rule only
// the highest is kept; entries with unparseable versions are ignored. The
// result is ordered by identifier.
func Resolve(rules []models.Rule, q Query) []models.Rule {
	acceptance := strings.TrimSpace(q.AcceptanceCountry)
	issuance := strings.TrimSpace(q.IssuanceCountry)
	withInvalidation := issuance != "" && !strings.EqualFold(issuance, acceptance)

	best := make(map[groupKey]candidate)
	for _, r := range rules {
		switch {
		case r.Type == models.RuleTypeAcceptance && strings.EqualFold(r.Country, acceptance):
		case withInvalidation && r.Type == models.RuleTypeInvalidation && strings.EqualFold(r.Country, issuance):
		default:
			continue
		}
		if !inWindow(r, q.At) || !typeMatches(r, q.CertificateType) || !regionMatches(r, q.Region) {
			continue
		}
		v, err := semver.NewVersion(r.Version)
		if err != nil {
			continue
		}
		key := groupKey{identifier: r.Identifier, ruleType: r.Type, region: strings.TrimSpace(r.Region)}
		if cur, ok := best[key]; !ok || v.GreaterThan(cur.version) {
			best[key] = candidate{rule: r, version: v}
		}
	}

	out := make([]models.Rule, 0, len(best))
	for _, c := range best {
		out = append(out, c.rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identifier != out[j].Identifier {
			return out[i].Identifier < out[j].Identifier
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Region < out[j].Region
	})
	return out
}

func inWindow(r models.Rule, at time.Time) bool {
	return !at.Before(r.ValidFrom) && at.Before(r.ValidTo)
}

func typeMatches(r models.Rule, t models.CertificateType) bool {
	return r.CertificateType == models.CertificateGeneral || (t != "" && r.CertificateType == t)
}

// regionMatches applies regionless rules everywhere and regional rules only
// in their region.
func regionMatches(r models.Rule, region string) bool {
	ruleRegion := strings.TrimSpace(r.Region)
	return ruleRegion == "" || strings.EqualFold(ruleRegion, strings.TrimSpace(region))
}
