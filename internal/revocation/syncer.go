package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hcert/internal/platform/logger"
	"hcert/internal/platform/metrics"
	"hcert/internal/platform/tracer"
	"hcert/internal/revocation/models"
)

// ErrCountMismatch is returned when a promoted version does not hold the
// number of identifiers the server announced. The previous version stays
// live and the next sync downloads the list from scratch.
var ErrCountMismatch = errors.New("revocation: committed count does not match announced total")

// Store is the durable side of a sync. BoltStore implements it.
type Store interface {
	State() (models.State, error)
	SaveState(st models.State) error
	StartVersion(st models.State) error
	ApplyChunk(chunk *models.Chunk, st models.State) error
	Promote(st models.State, full bool) (int64, error)
	Reset() error
	Contains(hash []byte) (bool, error)
}

// Syncer brings a Store up to the server's current version one chunk at a
// time, resuming after the last durably applied chunk.
type Syncer struct {
	client  Client
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  tracer.Tracer
	now     func() time.Time
}

type SyncerOption func(*Syncer)

func WithSyncLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSyncMetrics(m *metrics.Metrics) SyncerOption {
	return func(s *Syncer) {
		s.metrics = m
	}
}

func WithSyncTracer(t tracer.Tracer) SyncerOption {
	return func(s *Syncer) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithSyncNow(now func() time.Time) SyncerOption {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSyncer(client Client, store Store, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		client: client,
		store:  store,
		logger: logger.Discard(),
		tracer: tracer.NewNoop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync runs one round of the protocol and returns the resulting checkpoint.
// Cancellation is observed before every chunk fetch; whatever was committed
// up to that point stays committed.
func (s *Syncer) Sync(ctx context.Context) (models.State, error) {
	st, err := s.store.State()
	if err != nil {
		return st, err
	}
	status, err := s.client.Status(ctx)
	if err != nil {
		return st, fmt.Errorf("revocation status: %w", err)
	}

	if st.Committed() && !st.Resync && status.Version == st.CurrentVersion && status.VersionID == st.CurrentVersionID {
		st.LastCheck = s.now()
		if err := s.store.SaveState(st); err != nil {
			return st, err
		}
		return st, nil
	}

	if !st.Targets(*status) || !st.InProgress() || (st.Resync && !st.TargetFull) {
		st.TargetVersion = status.Version
		st.TargetVersionID = status.VersionID
		st.TargetTotalCount = status.TotalCount
		st.TargetChunkCount = status.ChunkCount
		st.TargetChunkSize = status.ChunkSize
		st.TargetFull = status.Full || st.Resync
		st.LastChunkSaved = 0
		if err := s.store.StartVersion(st); err != nil {
			return st, err
		}
		s.logger.InfoContext(ctx, "revocation sync started",
			"version", st.TargetVersion,
			"chunks", st.TargetChunkCount,
		)
	} else {
		s.logger.InfoContext(ctx, "revocation sync resumed",
			"version", st.TargetVersion,
			"chunk", st.LastChunkSaved+1,
		)
	}

	for n := st.LastChunkSaved + 1; n <= st.TargetChunkCount; n++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := s.applyChunk(ctx, &st, n); err != nil {
			return st, err
		}
	}
	return s.promote(ctx, st)
}

func (s *Syncer) applyChunk(ctx context.Context, st *models.State, n int) (err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanRevocationChunk,
		tracer.Int64(tracer.AttrVersion, st.TargetVersion),
		tracer.Int64(tracer.AttrChunk, int64(n)),
	)
	defer func() { span.End(err) }()

	chunk, err := s.client.Chunk(ctx, st.TargetVersion, n)
	if err != nil {
		return fmt.Errorf("revocation chunk %d: %w", n, err)
	}
	next := *st
	next.LastChunkSaved = n
	if err := s.store.ApplyChunk(chunk, next); err != nil {
		return fmt.Errorf("apply revocation chunk %d: %w", n, err)
	}
	*st = next
	s.metrics.RecordChunkApplied()
	s.logger.DebugContext(ctx, "revocation chunk applied",
		"version", st.TargetVersion,
		"chunk", n,
		"added", len(chunk.Add),
		"deleted", len(chunk.Delete),
	)
	return nil
}

func (s *Syncer) promote(ctx context.Context, st models.State) (models.State, error) {
	next := st
	next.CurrentVersion = st.TargetVersion
	next.CurrentVersionID = st.TargetVersionID
	next.LastCheck = s.now()
	next.Resync = false

	count, err := s.store.Promote(next, st.TargetFull)
	if errors.Is(err, ErrCountMismatch) {
		s.logger.WarnContext(ctx, "revocation count mismatch, scheduling full resync",
			"version", next.CurrentVersion,
			"expected", st.TargetTotalCount,
			"actual", count,
		)
		return s.scheduleResync(ctx, st, err)
	}
	if err != nil {
		return st, fmt.Errorf("promote revocation version %d: %w", st.TargetVersion, err)
	}

	s.metrics.SetRevocationVersion(next.CurrentVersion)
	s.logger.InfoContext(ctx, "revocation version committed",
		"version", next.CurrentVersion,
		"count", count,
	)
	return next, nil
}

// scheduleResync drops the staged delta and points the checkpoint back at
// the committed version, so the next sync starts the announced version over
// as a full replacement.
func (s *Syncer) scheduleResync(ctx context.Context, st models.State, cause error) (models.State, error) {
	reset := st
	reset.TargetVersion = st.CurrentVersion
	reset.TargetVersionID = st.CurrentVersionID
	reset.TargetTotalCount = 0
	reset.TargetChunkCount = 0
	reset.TargetChunkSize = 0
	reset.TargetFull = false
	reset.LastChunkSaved = 0
	reset.Resync = true
	if err := s.store.StartVersion(reset); err != nil {
		s.logger.ErrorContext(ctx, "failed to schedule revocation resync", "error", err)
	}
	return reset, fmt.Errorf("promote revocation version %d: %w", st.TargetVersion, cause)
}
