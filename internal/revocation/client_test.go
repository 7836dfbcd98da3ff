package revocation

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcert/internal/fetch"
)

func TestHTTPClient(t *testing.T) {
	added := base64.StdEncoding.EncodeToString(hashOf("a"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/drl/status":
			fmt.Fprint(w, `{"version": 12, "versionId": "2022-03-01", "totalCount": 1, "chunkCount": 2, "chunkSize": 1000}`)
		case "/drl/versions/12/chunks/1":
			fmt.Fprintf(w, `{"chunk": 1, "add": [%q]}`, added)
		case "/drl/versions/12/chunks/2":
			fmt.Fprint(w, `{"chunk": 7}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := fetch.DefaultConfig()
	cfg.MaxRetries = 0
	client := NewHTTPClient(srv.URL+"/drl/", fetch.New(cfg))

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.Version)
	assert.Equal(t, "2022-03-01", st.VersionID)
	assert.Equal(t, 2, st.ChunkCount)

	chunk, err := client.Chunk(context.Background(), 12, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{hashOf("a")}, chunk.Add)

	_, err = client.Chunk(context.Background(), 12, 2)
	assert.ErrorContains(t, err, "server returned chunk 7")

	_, err = client.Chunk(context.Background(), 12, 3)
	assert.Error(t, err)
}
