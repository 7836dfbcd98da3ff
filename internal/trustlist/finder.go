package trustlist

import (
	"context"
	"errors"
	"time"

	"hcert/internal/trustlist/models"
	"hcert/internal/verify"
)

// SnapshotGetter returns the current snapshot, typically a
// *cache.Cache[*models.Snapshot].
type SnapshotGetter interface {
	Get(ctx context.Context) (*models.Snapshot, error)
}

// Finder looks up keys in one cached trust list.
type Finder struct {
	snapshots SnapshotGetter
	caps      Capabilities
	now       func() time.Time
}

// NewFinder creates a Finder. Country filtering is applied only when caps
// support it.
func NewFinder(snapshots SnapshotGetter, caps Capabilities, now func() time.Time) *Finder {
	if now == nil {
		now = time.Now
	}
	return &Finder{snapshots: snapshots, caps: caps, now: now}
}

func (f *Finder) Find(ctx context.Context, kid []byte, country string) ([]models.TrustedKey, error) {
	snap, err := f.snapshots.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !f.caps.SupportsCountryFiltering {
		country = ""
	}
	return snap.Find(kid, country, f.now()), nil
}

// StaticFinder serves a fixed key set, such as embedded root keys.
type StaticFinder struct {
	snapshot *models.Snapshot
}

func NewStaticFinder(keys ...models.TrustedKey) *StaticFinder {
	return &StaticFinder{snapshot: models.NewSnapshot(time.Time{}, time.Time{}, keys)}
}

func (f *StaticFinder) Find(_ context.Context, kid []byte, country string) ([]models.TrustedKey, error) {
	return f.snapshot.Find(kid, country, time.Time{}), nil
}

// MultiFinder queries several finders in order and returns the first match.
// It fails only when no finder produced keys and every finder failed.
type MultiFinder struct {
	finders []verify.KeyFinder
}

func NewMultiFinder(finders ...verify.KeyFinder) *MultiFinder {
	return &MultiFinder{finders: finders}
}

func (m *MultiFinder) Find(ctx context.Context, kid []byte, country string) ([]models.TrustedKey, error) {
	var errs []error
	for _, f := range m.finders {
		keys, err := f.Find(ctx, kid, country)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(keys) > 0 {
			return keys, nil
		}
	}
	if len(errs) > 0 && len(errs) == len(m.finders) {
		return nil, errors.Join(errs...)
	}
	return nil, nil
}

var (
	_ verify.KeyFinder = (*Finder)(nil)
	_ verify.KeyFinder = (*StaticFinder)(nil)
	_ verify.KeyFinder = (*MultiFinder)(nil)
)
