package revocation

import (
	"context"
	"time"

	"hcert/internal/cache"
	"hcert/internal/revocation/models"
	"hcert/internal/sentinel"
)

// Source adapts a Syncer to the refreshing cache. The cached value is the
// sync checkpoint; the revoked set itself lives in the Store.
type Source struct {
	name   string
	syncer *Syncer
}

func NewSource(name string, syncer *Syncer) *Source {
	return &Source{name: name, syncer: syncer}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Fetch(ctx context.Context) (*models.State, error) {
	st, err := s.syncer.Sync(ctx)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Source) Timestamp(st *models.State) time.Time {
	if st == nil {
		return time.Time{}
	}
	return st.LastCheck
}

// StatePersistence exposes the checkpoint a Store already holds to the
// cache. Save is a no-op because Sync commits the checkpoint itself.
type StatePersistence struct {
	store Store
}

func NewStatePersistence(store Store) *StatePersistence {
	return &StatePersistence{store: store}
}

func (p *StatePersistence) Load(context.Context) (cache.Entry[*models.State], error) {
	st, err := p.store.State()
	if err != nil {
		return cache.Entry[*models.State]{}, err
	}
	if !st.Committed() {
		return cache.Entry[*models.State]{}, sentinel.ErrNotFound
	}
	return cache.Entry[*models.State]{Value: &st, FetchedAt: st.LastCheck}, nil
}

func (p *StatePersistence) Save(context.Context, cache.Entry[*models.State]) error {
	return nil
}

// Discard drops the local list; the next sync starts over.
func (p *StatePersistence) Discard(context.Context) error {
	return p.store.Reset()
}
