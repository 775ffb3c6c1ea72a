package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

const plcDoc = `{
	"id": "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
	"alsoKnownAs": ["at://atproto.com"],
	"service": [
		{
			"id": "#atproto_pds",
			"type": "AtprotoPersonalDataServer",
			"serviceEndpoint": "https://morel.us-east.host.bsky.network/"
		}
	]
}`

func TestResolveReturnsIdentity(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		require.Equal(t, "/did:plc:ewvi7nxzyoun6zhxrhs64oiz", r.URL.Path)
		fmt.Fprint(w, plcDoc)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithDirectory(srv.URL), WithUserAgent("backfill-test/1.0"))
	id, err := c.Resolve(context.Background(), "did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	require.NoError(t, err)

	require.Equal(t, backfill.Identity{
		DID:         "did:plc:ewvi7nxzyoun6zhxrhs64oiz",
		PDSEndpoint: "https://morel.us-east.host.bsky.network",
		Handle:      "atproto.com",
	}, id)
	require.Equal(t, "backfill-test/1.0", gotUA.Load())
}

func TestResolveCachesPerClient(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, plcDoc)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithDirectory(srv.URL))
	for range 3 {
		_, err := c.Resolve(context.Background(), "did:plc:ewvi7nxzyoun6zhxrhs64oiz")
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), hits.Load())
}

func TestResolveRejectsInvalidDID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("directory should not be contacted for an invalid did")
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithDirectory(srv.URL))
	_, err := c.Resolve(context.Background(), "not-a-did")
	require.ErrorContains(t, err, "invalid did")
}

func TestResolveDirectoryFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithDirectory(srv.URL))
	_, err := c.Resolve(context.Background(), "did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	require.ErrorContains(t, err, "directory returned 404")
}

func TestResolveRequiresServiceEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"did:plc:ewvi7nxzyoun6zhxrhs64oiz","alsoKnownAs":[],"service":[]}`)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithDirectory(srv.URL))
	_, err := c.Resolve(context.Background(), "did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	require.ErrorContains(t, err, "no pds endpoint")
}

func TestResolvePrefersPDSService(t *testing.T) {
	t.Parallel()

	doc := `{
		"alsoKnownAs": ["at://labeler.example"],
		"service": [
			{"id": "#atproto_labeler", "type": "AtprotoLabeler", "serviceEndpoint": "https://labeler.example"},
			{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example"}
		]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, doc)
	}))
	defer srv.Close()

	c := New(zap.NewNop(), WithDirectory(srv.URL))
	id, err := c.Resolve(context.Background(), "did:plc:ewvi7nxzyoun6zhxrhs64oiz")
	require.NoError(t, err)
	require.Equal(t, "https://pds.example", id.PDSEndpoint)
}
