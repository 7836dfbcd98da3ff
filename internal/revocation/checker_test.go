package revocation

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcert/internal/revocation/models"
)

type snapshotFunc func(hashes [][]byte) (models.State, int, error)

func (f snapshotFunc) Lookup(hashes [][]byte) (models.State, int, error) { return f(hashes) }

// commit stores a committed checkpoint at version with ids in the live set.
func commit(t *testing.T, store *BoltStore, version int64, ids ...[]byte) {
	t.Helper()
	st := models.State{CurrentVersion: version, TargetVersion: version, LastChunkSaved: 1}
	require.NoError(t, store.ApplyChunk(&models.Chunk{Number: 1, Add: ids}, st))
	_, err := store.Promote(st, false)
	require.NoError(t, err)
}

func TestHash(t *testing.T) {
	ids := Identifiers{UCI: "URN:UVCI:01:AT:10807843F94AEE0EE5093FBC254BD813#B", IssuerCountry: "at", Signature: []byte{1, 2, 3}}

	uci, ok := Hash(models.HashUCI, ids)
	require.True(t, ok)
	want := sha256.Sum256([]byte(ids.UCI))
	assert.Equal(t, want[:16], uci)

	country, ok := Hash(models.HashCountryCodeUCI, ids)
	require.True(t, ok)
	want = sha256.Sum256([]byte("AT" + ids.UCI))
	assert.Equal(t, want[:16], country)

	sig, ok := Hash(models.HashSignature, ids)
	require.True(t, ok)
	want = sha256.Sum256([]byte{1, 2, 3})
	assert.Equal(t, want[:16], sig)

	_, ok = Hash(models.HashCountryCodeUCI, Identifiers{UCI: ids.UCI})
	assert.False(t, ok)
	_, ok = Hash(models.HashSignature, Identifiers{UCI: ids.UCI})
	assert.False(t, ok)
	_, ok = Hash(models.HashType("OTHER"), ids)
	assert.False(t, ok)
}

func TestCheckerMatchesEachHashType(t *testing.T) {
	ids := Identifiers{UCI: "URN:UVCI:01:DE:ABC123", IssuerCountry: "DE", Signature: []byte("r-half")}

	for _, typ := range []models.HashType{models.HashUCI, models.HashCountryCodeUCI, models.HashSignature} {
		t.Run(string(typ), func(t *testing.T) {
			store := openStore(t)
			h, _ := Hash(typ, ids)
			commit(t, store, 4, h)

			res := NewChecker(store).Check(context.Background(), ids)

			assert.True(t, res.Checked)
			assert.True(t, res.Revoked)
			assert.Equal(t, typ, res.MatchedSourceType)
			assert.Equal(t, int64(4), res.Version)
		})
	}
}

func TestCheckerNotRevoked(t *testing.T) {
	store := openStore(t)
	commit(t, store, 1, hashOf("URN:UVCI:01:DE:OTHER"))

	res := NewChecker(store).Check(context.Background(), Identifiers{UCI: "URN:UVCI:01:DE:XYZ"})

	assert.True(t, res.Checked)
	assert.False(t, res.Revoked)
	assert.Empty(t, res.MatchedSourceType)
}

func TestCheckerUnavailable(t *testing.T) {
	t.Run("store unreadable", func(t *testing.T) {
		failing := snapshotFunc(func([][]byte) (models.State, int, error) {
			return models.State{}, -1, errors.New("database not open")
		})

		res := NewChecker(failing).Check(context.Background(), Identifiers{UCI: "x"})

		assert.False(t, res.Checked)
		assert.Equal(t, "database not open", res.Error)
	})

	t.Run("nothing committed yet", func(t *testing.T) {
		res := NewChecker(openStore(t)).Check(context.Background(), Identifiers{UCI: "x"})

		assert.False(t, res.Checked)
		assert.Equal(t, ErrNotSynced.Error(), res.Error)
	})

	t.Run("list discarded", func(t *testing.T) {
		store := openStore(t)
		commit(t, store, 2, hashOf("x"))
		require.NoError(t, store.Reset())

		res := NewChecker(store).Check(context.Background(), Identifiers{UCI: "x"})

		assert.False(t, res.Checked)
		assert.False(t, res.Revoked)
	})
}

type blockingState struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingState) Get(context.Context) (*models.State, error) {
	close(b.started)
	<-b.release
	return nil, errors.New("status endpoint timed out")
}

func TestCheckerDoesNotWaitForRefresh(t *testing.T) {
	store := openStore(t)
	commit(t, store, 3, hashOf("URN:UVCI:01:DE:REVOKED"))
	refresher := &blockingState{started: make(chan struct{}), release: make(chan struct{})}
	checker := NewChecker(store, WithRefresher(refresher))

	// Given a refresh that does not finish while the lookup runs
	done := make(chan models.Result, 1)
	go func() { done <- checker.Check(context.Background(), Identifiers{UCI: "URN:UVCI:01:DE:REVOKED"}) }()

	// Then the lookup answers from the committed version
	select {
	case res := <-done:
		assert.True(t, res.Checked)
		assert.True(t, res.Revoked)
		assert.Equal(t, int64(3), res.Version)
	case <-time.After(time.Second):
		t.Fatal("Check waited for the refresh")
	}

	<-refresher.started
	assert.False(t, checker.Idle())

	// And a second lookup does not start another refresh
	res := checker.Check(context.Background(), Identifiers{UCI: "URN:UVCI:01:DE:OTHER"})
	assert.True(t, res.Checked)
	assert.False(t, res.Revoked)

	close(refresher.release)
	assert.Eventually(t, checker.Idle, time.Second, 5*time.Millisecond)
}
