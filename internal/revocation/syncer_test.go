package revocation

//go:generate mockgen -source=client.go -destination=mocks/client_mock.go -package=mocks Client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"hcert/internal/revocation/mocks"
	"hcert/internal/revocation/models"
)

// =============================================================================
// Revocation Sync Test Suite
// =============================================================================
// The syncer is exercised against a real bbolt file and a mocked server so
// the tests can assert exactly which chunks are requested.

type SyncerSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	client *mocks.MockClient
	store  *BoltStore
	now    time.Time
	syncer *Syncer
}

func TestSyncerSuite(t *testing.T) {
	suite.Run(t, new(SyncerSuite))
}

func (s *SyncerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.client = mocks.NewMockClient(s.ctrl)
	s.store = openStore(s.T())
	s.now = time.Date(2022, 3, 1, 9, 0, 0, 0, time.UTC)
	s.syncer = NewSyncer(s.client, s.store, WithSyncNow(func() time.Time { return s.now }))
}

func (s *SyncerSuite) TearDownTest() {
	s.ctrl.Finish()
}

// chunkOf returns a chunk adding one identifier named after version and number.
func chunkOf(version int64, n int) *models.Chunk {
	return &models.Chunk{Number: n, Add: [][]byte{hashOf(fmt.Sprintf("v%d-c%d", version, n))}}
}

func (s *SyncerSuite) expectChunks(version int64, from, to int) {
	for n := from; n <= to; n++ {
		s.client.EXPECT().Chunk(gomock.Any(), version, n).Return(chunkOf(version, n), nil)
	}
}

func (s *SyncerSuite) TestInitialSync() {
	s.client.EXPECT().Status(gomock.Any()).
		Return(&models.Status{Version: 1, VersionID: "v1", TotalCount: 3, ChunkCount: 3, ChunkSize: 1}, nil)
	s.expectChunks(1, 1, 3)

	st, err := s.syncer.Sync(context.Background())

	s.Require().NoError(err)
	s.Equal(int64(1), st.CurrentVersion)
	s.Equal("v1", st.CurrentVersionID)
	s.Equal(3, st.LastChunkSaved)
	s.Equal(s.now, st.LastCheck)
	s.True(contains(s.T(), s.store, "v1-c2"))
}

func (s *SyncerSuite) TestResumesAfterLastSavedChunk() {
	// Given version 2 with chunks 1 and 2 of 5 durably applied
	s.Require().NoError(s.store.StartVersion(models.State{
		TargetVersion: 2, TargetVersionID: "v2", TargetChunkCount: 5, LastChunkSaved: 0,
	}))
	for n := 1; n <= 2; n++ {
		s.Require().NoError(s.store.ApplyChunk(chunkOf(2, n), models.State{
			TargetVersion: 2, TargetVersionID: "v2", TargetChunkCount: 5, LastChunkSaved: n,
		}))
	}
	s.client.EXPECT().Status(gomock.Any()).
		Return(&models.Status{Version: 2, VersionID: "v2", TotalCount: 5, ChunkCount: 5}, nil)

	// Then only chunks 3 to 5 are requested
	s.expectChunks(2, 3, 5)

	st, err := s.syncer.Sync(context.Background())

	s.Require().NoError(err)
	s.Equal(int64(2), st.CurrentVersion)
	for n := 1; n <= 5; n++ {
		s.True(contains(s.T(), s.store, fmt.Sprintf("v2-c%d", n)), n)
	}
}

func (s *SyncerSuite) TestNewVersionDiscardsPartialProgress() {
	// Given version 2 partially applied
	s.Require().NoError(s.store.ApplyChunk(chunkOf(2, 1), models.State{
		TargetVersion: 2, TargetVersionID: "v2", TargetChunkCount: 4, LastChunkSaved: 1,
	}))
	// When the server has moved on to version 3
	s.client.EXPECT().Status(gomock.Any()).
		Return(&models.Status{Version: 3, VersionID: "v3", ChunkCount: 2}, nil)
	s.expectChunks(3, 1, 2)

	st, err := s.syncer.Sync(context.Background())

	// Then the sync restarts at chunk 1 and the stale chunk is gone
	s.Require().NoError(err)
	s.Equal(int64(3), st.CurrentVersion)
	s.False(contains(s.T(), s.store, "v2-c1"))
	s.True(contains(s.T(), s.store, "v3-c1"))
}

func (s *SyncerSuite) TestUnchangedVersionOnlyUpdatesLastCheck() {
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 1, VersionID: "v1", ChunkCount: 1}, nil).Times(2)
	s.expectChunks(1, 1, 1)
	_, err := s.syncer.Sync(context.Background())
	s.Require().NoError(err)

	s.now = s.now.Add(time.Hour)
	st, err := s.syncer.Sync(context.Background())

	s.Require().NoError(err)
	s.Equal(s.now, st.LastCheck)
	stored, err := s.store.State()
	s.Require().NoError(err)
	s.Equal(s.now, stored.LastCheck.UTC())
}

func (s *SyncerSuite) TestCancellationStopsBeforeNextChunk() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 1, VersionID: "v1", ChunkCount: 5}, nil)
	s.client.EXPECT().Chunk(gomock.Any(), int64(1), 1).Return(chunkOf(1, 1), nil)
	s.client.EXPECT().Chunk(gomock.Any(), int64(1), 2).
		DoAndReturn(func(context.Context, int64, int) (*models.Chunk, error) {
			cancel()
			return chunkOf(1, 2), nil
		})

	_, err := s.syncer.Sync(ctx)

	s.ErrorIs(err, context.Canceled)
	st, err := s.store.State()
	s.Require().NoError(err)
	s.Equal(2, st.LastChunkSaved)
	s.False(st.Committed())
	s.False(contains(s.T(), s.store, "v1-c1"))
}

func (s *SyncerSuite) TestChunkFailureKeepsCheckpoint() {
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 1, VersionID: "v1", ChunkCount: 3}, nil)
	s.client.EXPECT().Chunk(gomock.Any(), int64(1), 1).Return(chunkOf(1, 1), nil)
	s.client.EXPECT().Chunk(gomock.Any(), int64(1), 2).Return(nil, errors.New("connection reset"))

	_, err := s.syncer.Sync(context.Background())

	s.ErrorContains(err, "revocation chunk 2")
	st, err := s.store.State()
	s.Require().NoError(err)
	s.Equal(1, st.LastChunkSaved)
}

func (s *SyncerSuite) TestCountMismatchSchedulesResync() {
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 1, VersionID: "v1", TotalCount: 10, ChunkCount: 1}, nil)
	s.expectChunks(1, 1, 1)

	_, err := s.syncer.Sync(context.Background())

	s.ErrorIs(err, ErrCountMismatch)
	st, err := s.store.State()
	s.Require().NoError(err)
	s.False(st.Committed())
	s.Zero(st.LastChunkSaved)
	s.True(st.Resync)
	s.False(contains(s.T(), s.store, "v1-c1"))
}

func (s *SyncerSuite) TestCountMismatchKeepsCommittedVersion() {
	// Given version 1 committed
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 1, VersionID: "v1", TotalCount: 2, ChunkCount: 2}, nil)
	s.expectChunks(1, 1, 2)
	_, err := s.syncer.Sync(context.Background())
	s.Require().NoError(err)

	// When version 2 is a delta that does not add up to the announced total
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 2, VersionID: "v2", TotalCount: 2, ChunkCount: 1}, nil)
	s.expectChunks(2, 1, 1)
	_, err = s.syncer.Sync(context.Background())

	// Then the merge is rolled back and version 1 stays live
	s.ErrorIs(err, ErrCountMismatch)
	st, err := s.store.State()
	s.Require().NoError(err)
	s.Equal(int64(1), st.CurrentVersion)
	s.True(st.Resync)
	s.True(contains(s.T(), s.store, "v1-c1"))
	s.True(contains(s.T(), s.store, "v1-c2"))
	s.False(contains(s.T(), s.store, "v2-c1"))

	// And the next sync downloads version 2 as a replacement
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 2, VersionID: "v2", TotalCount: 2, ChunkCount: 2}, nil)
	s.expectChunks(2, 1, 2)
	st, err = s.syncer.Sync(context.Background())

	s.Require().NoError(err)
	s.Equal(int64(2), st.CurrentVersion)
	s.False(st.Resync)
	s.False(contains(s.T(), s.store, "v1-c1"))
	s.True(contains(s.T(), s.store, "v2-c2"))
}

func (s *SyncerSuite) TestResyncOfCurrentVersion() {
	// Given a mismatch flagged while the server still announces version 1
	s.Require().NoError(s.store.SaveState(models.State{
		CurrentVersion: 1, CurrentVersionID: "v1", TargetVersion: 1, TargetVersionID: "v1", Resync: true,
	}))
	s.client.EXPECT().Status(gomock.Any()).Return(&models.Status{Version: 1, VersionID: "v1", TotalCount: 1, ChunkCount: 1}, nil)

	// Then the version is downloaded again rather than treated as current
	s.expectChunks(1, 1, 1)
	st, err := s.syncer.Sync(context.Background())

	s.Require().NoError(err)
	s.False(st.Resync)
	s.True(contains(s.T(), s.store, "v1-c1"))
}

func (s *SyncerSuite) TestStatusFailure() {
	s.client.EXPECT().Status(gomock.Any()).Return(nil, errors.New("503"))

	_, err := s.syncer.Sync(context.Background())

	s.ErrorContains(err, "revocation status")
}
