package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbedServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var out embedResponse
		for range req.Input {
			vec := make([]float32, dims)
			vec[0] = 1
			out.Embeddings = append(out.Embeddings, vec)
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEmbedder_ChargesOneTokenPerInputItem(t *testing.T) {
	srv := newEmbedServer(t, 4)
	e := NewHTTPEmbedder(HTTPConfig{
		Endpoint: srv.URL, Model: "m", Version: "v1", Dims: 4, RatePerMin: 60,
	})

	texts := make([]string, 60)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}
	vectors, err := e.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 60)

	// A full minute of quota went to one batch of 60 items.
	assert.Less(t, e.limiter.Tokens(), 1.0)
}

func TestHTTPEmbedder_ImageChargesOneToken(t *testing.T) {
	srv := newEmbedServer(t, 4)
	e := NewHTTPEmbedder(HTTPConfig{
		Endpoint: srv.URL, Model: "m", Version: "v1", Dims: 4, RatePerMin: 60,
	})

	_, err := e.EmbedImage(context.Background(), []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	assert.InDelta(t, 59.0, e.limiter.Tokens(), 1.0)
}
