package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hcert/internal/durable"
	"hcert/internal/sentinel"
	"hcert/pkg/testutil"

	"github.com/stretchr/testify/suite"
)

type fakeSource struct {
	name  string
	calls atomic.Int32

	mu    sync.Mutex
	fetch func(ctx context.Context, call int32) (string, error)
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context) (string, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	fn := f.fetch
	f.mu.Unlock()
	return fn(ctx, n)
}

func (f *fakeSource) Timestamp(string) time.Time { return time.Time{} }

func (f *fakeSource) set(fn func(ctx context.Context, call int32) (string, error)) {
	f.mu.Lock()
	f.fetch = fn
	f.mu.Unlock()
}

func returns(v string) func(context.Context, int32) (string, error) {
	return func(context.Context, int32) (string, error) { return v, nil }
}

func fails(err error) func(context.Context, int32) (string, error) {
	return func(context.Context, int32) (string, error) { return "", err }
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream returned 503")

type CacheSuite struct {
	suite.Suite
	ctx    context.Context
	clock  *manualClock
	source *fakeSource
	store  *durable.MemoryStore
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

func (s *CacheSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.source = &fakeSource{name: "rules", fetch: returns("v1")}
	s.store = durable.NewMemoryStore()
}

func (s *CacheSuite) newCache(cfg Config, opts ...Option[string]) *Cache[string] {
	opts = append([]Option[string]{WithNow[string](s.clock.Now)}, opts...)
	return New[string](s.source, cfg, opts...)
}

func (s *CacheSuite) persistence() Option[string] {
	return WithPersistence[string](NewJSONPersistence[string](s.store, s.source.name))
}

func (s *CacheSuite) TestFreshValueServedWithoutFetching() {
	c := s.newCache(Config{RefreshInterval: time.Hour})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	s.clock.Advance(59 * time.Minute)
	v, err := c.Get(s.ctx)

	s.Require().NoError(err)
	s.Equal("v1", v)
	s.Equal(int32(1), s.source.calls.Load())
}

func (s *CacheSuite) TestConcurrentGetsShareOneFetch() {
	s.source.set(func(context.Context, int32) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "v1", nil
	})
	c := s.newCache(Config{RefreshInterval: time.Hour})

	res := testutil.RunConcurrent(100, func(int) error {
		v, err := c.Get(s.ctx)
		if err != nil {
			return err
		}
		if v != "v1" {
			return errors.New("unexpected value " + v)
		}
		return nil
	})

	s.Equal(int32(100), res.Successes)
	s.Equal(int32(1), s.source.calls.Load())
}

func (s *CacheSuite) TestExpiredValueConcurrentGetsShareOneFetch() {
	c := s.newCache(Config{RefreshInterval: time.Hour})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	s.clock.Advance(2 * time.Hour)
	s.source.set(func(context.Context, int32) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "v2", nil
	})

	res := testutil.RunConcurrent(100, func(int) error {
		_, err := c.Get(s.ctx)
		return err
	})

	s.Equal(int32(100), res.Successes)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestStaleWhileRefreshingReturnsImmediately() {
	c := s.newCache(Config{RefreshInterval: time.Hour, UseStaleWhileRefreshing: true})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	// Given a stale value and a slow upstream
	release := make(chan struct{})
	s.source.set(func(context.Context, int32) (string, error) {
		<-release
		return "v2", nil
	})
	s.clock.Advance(2 * time.Hour)

	// When two callers read while the refresh is in flight
	first, err := c.Get(s.ctx)
	s.Require().NoError(err)
	second, err := c.Get(s.ctx)
	s.Require().NoError(err)

	// Then both get the stale value and only one background fetch runs
	s.Equal("v1", first)
	s.Equal("v1", second)
	s.Eventually(func() bool { return s.source.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	close(release)
	s.Eventually(func() bool {
		v, err := c.Get(s.ctx)
		return err == nil && v == "v2"
	}, time.Second, 5*time.Millisecond)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestFailedRefreshFallsBackToStale() {
	c := s.newCache(Config{RefreshInterval: time.Hour, MaxDurableAge: 24 * time.Hour})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	s.source.set(fails(errUpstream))
	s.clock.Advance(2 * time.Hour)

	v, err := c.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", v)
	s.Contains(c.Status().LastError, "503")
}

func (s *CacheSuite) TestFailedForcedRefreshReturnsStaleWithError() {
	c := s.newCache(Config{RefreshInterval: time.Hour, MaxDurableAge: 24 * time.Hour})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	s.source.set(fails(errUpstream))
	s.clock.Advance(2 * time.Hour)
	v, err := c.Refresh(s.ctx)

	s.ErrorIs(err, errUpstream)
	s.Equal("v1", v)

	s.clock.Advance(23 * time.Hour)
	v, err = c.Refresh(s.ctx)

	s.ErrorIs(err, errUpstream)
	s.Empty(v)
}

func (s *CacheSuite) TestFailedRefreshBeyondHardTTLReturnsError() {
	c := s.newCache(Config{RefreshInterval: time.Hour, MaxDurableAge: 24 * time.Hour})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	s.source.set(fails(errUpstream))
	s.clock.Advance(25 * time.Hour)

	_, err = c.Get(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrUnavailable)
	s.ErrorIs(err, errUpstream)
	var rerr *RefreshError
	s.Require().ErrorAs(err, &rerr)
	s.Equal("rules", rerr.Source)
}

func (s *CacheSuite) TestDebounceSuppressesRepeatedFailures() {
	s.source.set(fails(errUpstream))
	c := s.newCache(Config{RefreshInterval: time.Hour, MinRefreshInterval: 5 * time.Minute})

	_, err := c.Get(s.ctx)
	s.Require().Error(err)

	// within the debounce window the last error is returned without fetching
	s.clock.Advance(time.Minute)
	_, err = c.Get(s.ctx)
	s.ErrorIs(err, errUpstream)
	s.Equal(int32(1), s.source.calls.Load())

	s.clock.Advance(5 * time.Minute)
	s.source.set(returns("v1"))
	v, err := c.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", v)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestDebounceServesStaleValue() {
	c := s.newCache(Config{RefreshInterval: time.Hour, MinRefreshInterval: 5 * time.Minute})
	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)

	s.source.set(fails(errUpstream))
	s.clock.Advance(2 * time.Hour)
	_, err = c.Get(s.ctx)
	s.Require().NoError(err)

	s.clock.Advance(time.Minute)
	v, err := c.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", v)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestDurableRecordAdoptedWithoutFetching() {
	p := NewJSONPersistence[string](s.store, "rules")
	s.Require().NoError(p.Save(s.ctx, Entry[string]{Value: "persisted", FetchedAt: s.clock.Now().Add(-3 * time.Hour)}))

	c := s.newCache(Config{RefreshInterval: time.Hour}, s.persistence())
	v, err := c.Get(s.ctx)

	s.Require().NoError(err)
	s.Equal("persisted", v)
	s.Equal(int32(0), s.source.calls.Load())

	// the next read refreshes the stale adopted value
	v, err = c.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", v)
	s.Equal(int32(1), s.source.calls.Load())
}

func (s *CacheSuite) TestDurableRecordBeyondHardTTLIsDiscarded() {
	p := NewJSONPersistence[string](s.store, "rules")
	s.Require().NoError(p.Save(s.ctx, Entry[string]{Value: "ancient", FetchedAt: s.clock.Now().Add(-48 * time.Hour)}))
	s.source.set(fails(errUpstream))

	c := s.newCache(Config{RefreshInterval: time.Hour, MaxDurableAge: 24 * time.Hour}, s.persistence())
	_, err := c.Get(s.ctx)

	s.ErrorIs(err, sentinel.ErrUnavailable)
	_, err = s.store.Read(s.ctx, "rules")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *CacheSuite) TestCorruptDurableRecordIsIgnored() {
	s.Require().NoError(s.store.Write(s.ctx, "rules", []byte("{not json")))

	c := s.newCache(Config{RefreshInterval: time.Hour}, s.persistence())
	v, err := c.Get(s.ctx)

	s.Require().NoError(err)
	s.Equal("v1", v)
}

func (s *CacheSuite) TestRefreshIsPersisted() {
	c := s.newCache(Config{RefreshInterval: time.Hour}, s.persistence())
	_, err := c.Get(s.ctx)
	s.Require().NoError(err)

	entry, err := NewJSONPersistence[string](s.store, "rules").Load(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", entry.Value)
	s.True(entry.FetchedAt.Equal(s.clock.Now()))
}

func (s *CacheSuite) TestPersistFailureDoesNotFailRefresh() {
	c := s.newCache(Config{RefreshInterval: time.Hour}, WithPersistence[string](failingPersistence{}))

	v, err := c.Get(s.ctx)
	s.Require().NoError(err)
	s.Equal("v1", v)
}

func (s *CacheSuite) TestCancelledCallerDoesNotAbortSharedRefresh() {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var fetchCtxDone atomic.Bool
	s.source.set(func(ctx context.Context, _ int32) (string, error) {
		once.Do(func() { close(started) })
		<-release
		fetchCtxDone.Store(ctx.Err() != nil)
		return "v1", nil
	})
	c := s.newCache(Config{RefreshInterval: time.Hour})

	// Given a caller that starts the refresh and then gives up
	ctx, cancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx)
		errCh <- err
	}()
	<-started
	cancel()
	s.ErrorIs(<-errCh, context.Canceled)

	// When another caller waits for the same refresh
	valCh := make(chan string, 1)
	go func() {
		v, _ := c.Get(s.ctx)
		valCh <- v
	}()
	close(release)

	// Then the refresh ran once to completion with a live context
	s.Equal("v1", <-valCh)
	s.Equal(int32(1), s.source.calls.Load())
	s.False(fetchCtxDone.Load())
}

func (s *CacheSuite) TestForcedRefreshBypassesFreshness() {
	c := s.newCache(Config{RefreshInterval: time.Hour, MinRefreshInterval: time.Hour})
	_, err := c.Get(s.ctx)
	s.Require().NoError(err)

	s.source.set(returns("v2"))
	v, err := c.Refresh(s.ctx)

	s.Require().NoError(err)
	s.Equal("v2", v)
	s.Equal(int32(2), s.source.calls.Load())
}

func (s *CacheSuite) TestReloadAdoptsRecordRefreshedByAnotherProcess() {
	other := &fakeSource{name: "rules", fetch: returns("from-other")}
	peer := New[string](other, Config{RefreshInterval: time.Hour},
		WithNow[string](s.clock.Now), s.persistence())
	c := s.newCache(Config{RefreshInterval: time.Hour, ReloadFromStoreWhenExpired: true}, s.persistence())

	_, err := c.Refresh(s.ctx)
	s.Require().NoError(err)
	s.clock.Advance(2 * time.Hour)
	_, err = peer.Refresh(s.ctx)
	s.Require().NoError(err)

	v, err := c.Get(s.ctx)

	s.Require().NoError(err)
	s.Equal("from-other", v)
	s.Equal(int32(1), s.source.calls.Load())
}

func (s *CacheSuite) TestStatus() {
	c := s.newCache(Config{RefreshInterval: time.Hour})
	info := c.Status()
	s.False(info.HasValue)
	s.Equal("rules", info.Name)

	s.Require().NoError(c.Trigger(s.ctx))
	info = c.Status()
	s.True(info.HasValue)
	s.True(info.Fresh)
	s.Empty(info.LastError)
	s.True(info.FetchedAt.Equal(s.clock.Now()))
}

type failingPersistence struct{}

func (failingPersistence) Load(context.Context) (Entry[string], error) {
	return Entry[string]{}, sentinel.ErrNotFound
}

func (failingPersistence) Save(context.Context, Entry[string]) error {
	return errors.New("disk full")
}

func (failingPersistence) Discard(context.Context) error { return nil }
