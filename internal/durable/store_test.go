package durable

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"hcert/internal/sentinel"
	"hcert/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// StoreSuite runs the same contract against every local backend.
type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore(s.T())
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(*testing.T) Store { return NewMemoryStore() }})
}

func TestFileStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T) Store {
		st, err := NewFileStore(filepath.Join(t.TempDir(), "cache"))
		require.NoError(t, err)
		return st
	}})
}

func (s *StoreSuite) TestReadMissingKey() {
	_, err := s.store.Read(context.Background(), "trustlist-gateway")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestWriteReadOverwrite() {
	ctx := context.Background()

	// Given a stored record
	s.Require().NoError(s.store.Write(ctx, "rules", []byte(`{"v":1}`)))

	// When it is overwritten
	s.Require().NoError(s.store.Write(ctx, "rules", []byte(`{"v":2}`)))

	// Then the latest bytes are returned
	data, err := s.store.Read(ctx, "rules")
	s.Require().NoError(err)
	s.Equal(`{"v":2}`, string(data))
}

func (s *StoreSuite) TestDeleteIsIdempotent() {
	ctx := context.Background()
	s.Require().NoError(s.store.Write(ctx, "valuesets", []byte("x")))
	s.Require().NoError(s.store.Delete(ctx, "valuesets"))
	s.Require().NoError(s.store.Delete(ctx, "valuesets"))

	_, err := s.store.Read(ctx, "valuesets")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestRejectsKeysEscapingTheStore() {
	for _, key := range []string{"../etc/passwd", "a/b", "", ".."} {
		s.Error(s.store.Write(context.Background(), key, []byte("x")), key)
	}
}

func (s *StoreSuite) TestConcurrentWritersNeverTearRecords() {
	ctx := context.Background()
	payloads := [][]byte{[]byte(`{"writer":"a"}`), []byte(`{"writer":"b"}`)}

	res := testutil.RunConcurrent(20, func(idx int) error {
		if err := s.store.Write(ctx, "shared", payloads[idx%2]); err != nil {
			return err
		}
		data, err := s.store.Read(ctx, "shared")
		if err != nil {
			return err
		}
		if string(data) != string(payloads[0]) && string(data) != string(payloads[1]) {
			return assert.AnError
		}
		return nil
	})
	s.Equal(int32(20), res.Successes)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.Write(context.Background(), "rules", []byte("{}")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rules.json", entries[0].Name())
}

func TestNewFileStoreRequiresDirectory(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}
