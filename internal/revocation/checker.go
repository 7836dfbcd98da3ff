package revocation

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"hcert/internal/platform/logger"
	"hcert/internal/revocation/models"
)

// ErrNotSynced is reported when no revocation version has been committed.
var ErrNotSynced = errors.New("revocation: no committed revocation list")

// StateGetter returns the current sync checkpoint, typically a
// *cache.Cache[*models.State].
type StateGetter interface {
	Get(ctx context.Context) (*models.State, error)
}

// Snapshot answers set membership against the committed set together with
// the checkpoint of that set. BoltStore implements it.
type Snapshot interface {
	Lookup(hashes [][]byte) (models.State, int, error)
}

// Identifiers are the credential fields a revocation entry may be keyed on.
type Identifiers struct {
	UCI           string
	IssuerCountry string
	// Signature is the signature value, or for ECDSA its r half.
	Signature []byte
}

// Hash returns the revocation hash of ids for t, or false when ids lack the
// field t is computed over.
func Hash(t models.HashType, ids Identifiers) ([]byte, bool) {
	var input []byte
	switch t {
	case models.HashUCI:
		if ids.UCI == "" {
			return nil, false
		}
		input = []byte(ids.UCI)
	case models.HashCountryCodeUCI:
		if ids.UCI == "" || ids.IssuerCountry == "" {
			return nil, false
		}
		input = []byte(strings.ToUpper(ids.IssuerCountry) + ids.UCI)
	case models.HashSignature:
		if len(ids.Signature) == 0 {
			return nil, false
		}
		input = ids.Signature
	default:
		return nil, false
	}
	sum := sha256.Sum256(input)
	return sum[:models.HashLength], true
}

var hashTypes = []models.HashType{models.HashUCI, models.HashCountryCodeUCI, models.HashSignature}

// Checker reports whether a credential is on the revocation list. Lookups
// read the last committed version only and never wait for a sync.
type Checker struct {
	snapshot  Snapshot
	refresher StateGetter
	logger    *slog.Logger

	syncing atomic.Bool
}

type CheckerOption func(*Checker)

func WithCheckerLogger(l *slog.Logger) CheckerOption {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRefresher makes every Check start a background Get on r, so a stale
// checkpoint is synced without holding up the lookup.
func WithRefresher(r StateGetter) CheckerOption {
	return func(c *Checker) {
		c.refresher = r
	}
}

func NewChecker(snapshot Snapshot, opts ...CheckerOption) *Checker {
	c := &Checker{snapshot: snapshot, logger: logger.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check never fails the validation: an unavailable list yields an unchecked
// result carrying the reason.
func (c *Checker) Check(ctx context.Context, ids Identifiers) models.Result {
	c.refreshInBackground(ctx)

	types := make([]models.HashType, 0, len(hashTypes))
	hashes := make([][]byte, 0, len(hashTypes))
	for _, t := range hashTypes {
		if h, ok := Hash(t, ids); ok {
			types = append(types, t)
			hashes = append(hashes, h)
		}
	}

	st, idx, err := c.snapshot.Lookup(hashes)
	if err == nil && !st.Committed() {
		err = ErrNotSynced
	}
	if err != nil {
		c.logger.WarnContext(ctx, "revocation list unavailable", "error", err)
		return models.Result{Error: err.Error()}
	}

	res := models.Result{Checked: true, Version: st.CurrentVersion}
	if idx >= 0 {
		res.Revoked = true
		res.MatchedSourceType = types[idx]
	}
	return res
}

// Idle reports whether no background refresh started by Check is running.
func (c *Checker) Idle() bool {
	return !c.syncing.Load()
}

func (c *Checker) refreshInBackground(ctx context.Context) {
	if c.refresher == nil || !c.syncing.CompareAndSwap(false, true) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer c.syncing.Store(false)
		if _, err := c.refresher.Get(ctx); err != nil {
			c.logger.DebugContext(ctx, "background revocation refresh failed", "error", err)
		}
	}()
}
