package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hcert/internal/durable"
)

// JSONPersistence stores entries as JSON records in a durable.Store.
type JSONPersistence[T any] struct {
	store durable.Store
	key   string
}

// NewJSONPersistence persists entries under key in store.
func NewJSONPersistence[T any](store durable.Store, key string) *JSONPersistence[T] {
	return &JSONPersistence[T]{store: store, key: key}
}

type record[T any] struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Value     T         `json:"value"`
}

func (p *JSONPersistence[T]) Load(ctx context.Context) (Entry[T], error) {
	data, err := p.store.Read(ctx, p.key)
	if err != nil {
		return Entry[T]{}, err
	}
	var rec record[T]
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry[T]{}, fmt.Errorf("decode durable record %s: %w", p.key, err)
	}
	if rec.UpdatedAt.IsZero() {
		return Entry[T]{}, fmt.Errorf("durable record %s has no timestamp", p.key)
	}
	return Entry[T]{Value: rec.Value, FetchedAt: rec.UpdatedAt}, nil
}

func (p *JSONPersistence[T]) Save(ctx context.Context, entry Entry[T]) error {
	data, err := json.Marshal(record[T]{UpdatedAt: entry.FetchedAt, Value: entry.Value})
	if err != nil {
		return fmt.Errorf("encode durable record %s: %w", p.key, err)
	}
	return p.store.Write(ctx, p.key, data)
}

func (p *JSONPersistence[T]) Discard(ctx context.Context) error {
	return p.store.Delete(ctx, p.key)
}

var _ Persistence[struct{}] = (*JSONPersistence[struct{}])(nil)
