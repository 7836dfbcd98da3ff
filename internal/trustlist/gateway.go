package trustlist

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hcert/internal/fetch"
	"hcert/internal/platform/logger"
	"hcert/internal/trustlist/models"
)

// gatewayEntry is one signer certificate of a gateway trust list.
type gatewayEntry struct {
	KID             []byte    `json:"kid"`
	Country         string    `json:"country"`
	CertificateType string    `json:"certificateType"`
	RawData         []byte    `json:"rawData"`
	Timestamp       time.Time `json:"timestamp"`
}

// GatewaySource reads a JSON list of X.509 signer certificates.
type GatewaySource struct {
	name      string
	url       string
	fetcher   fetch.Fetcher
	countries map[string]bool
	now       func() time.Time
	logger    *slog.Logger
}

// GatewayOption configures a GatewaySource.
type GatewayOption func(*GatewaySource)

// WithCountries keeps only keys of the given issuer countries.
func WithCountries(countries ...string) GatewayOption {
	return func(s *GatewaySource) {
		for _, c := range countries {
			s.countries[strings.ToUpper(strings.TrimSpace(c))] = true
		}
	}
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(s *GatewaySource) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithGatewayNow(now func() time.Time) GatewayOption {
	return func(s *GatewaySource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewGatewaySource creates a gateway trust list source.
func NewGatewaySource(name, url string, fetcher fetch.Fetcher, opts ...GatewayOption) *GatewaySource {
	s := &GatewaySource{
		name:      name,
		url:       url,
		fetcher:   fetcher,
		countries: map[string]bool{},
		now:       time.Now,
		logger:    logger.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *GatewaySource) Name() string { return s.name }

func (s *GatewaySource) Capabilities() Capabilities {
	return Capabilities{SupportsCountryFiltering: true, SupportsFullCertificateBytes: true}
}

func (s *GatewaySource) Timestamp(v *models.Snapshot) time.Time { return snapshotTimestamp(v) }

// Fetch downloads and parses the certificate list. Unparseable entries are
// skipped.
func (s *GatewaySource) Fetch(ctx context.Context) (*models.Snapshot, error) {
	body, err := s.fetcher.Get(ctx, s.url)
	if err != nil {
		return nil, err
	}
	var entries []gatewayEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode gateway trust list: %w", err)
	}

	var lastUpdate time.Time
	keys := make([]models.TrustedKey, 0, len(entries))
	for _, e := range entries {
		country := strings.ToUpper(strings.TrimSpace(e.Country))
		if len(s.countries) > 0 && !s.countries[country] {
			continue
		}
		if e.CertificateType != "" && e.CertificateType != "DSC" {
			continue
		}
		cert, err := x509.ParseCertificate(e.RawData)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unparseable signer certificate", "source", s.name, "country", country, "error", err)
			continue
		}
		key, err := models.NewTrustedKey(e.KID, country, cert.PublicKey, e.RawData)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping unsupported signer key", "source", s.name, "country", country, "error", err)
			continue
		}
		keys = append(keys, key)
		if e.Timestamp.After(lastUpdate) {
			lastUpdate = e.Timestamp
		}
	}
	if lastUpdate.IsZero() {
		lastUpdate = s.now()
	}
	return models.NewSnapshot(lastUpdate, time.Time{}, keys), nil
}

var _ Source = (*GatewaySource)(nil)
