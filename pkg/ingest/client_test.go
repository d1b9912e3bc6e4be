package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPage_DecodesEnvelope(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/x/web-interface/history/cursor", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("ps"))
		assert.Equal(t, "archive", r.URL.Query().Get("business"))
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"code": 0,
			"message": "0",
			"data": {
				"cursor": {"max": 123456, "view_at": 1700000000},
				"list": [
					{"title": "A", "view_at": 1700000000, "history": {"oid": 1, "bvid": "BV1a", "business": "archive"}}
				]
			}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "session=abc", 20)
	page, err := client.FetchPage(context.Background(), Cursor{})
	require.NoError(t, err)

	assert.Equal(t, Cursor{Max: 123456, ViewAt: 1700000000}, page.Cursor)
	require.Len(t, page.List, 1)
	assert.Equal(t, "A", page.List[0].Title)
	assert.Equal(t, "BV1a", page.List[0].History.Bvid)
}

func TestFetchPage_SendsCursorParams(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "99", r.URL.Query().Get("max"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("view_at"))
		_, _ = w.Write([]byte(`{"code": 0, "data": {"cursor": {"max": 0, "view_at": 0}, "list": []}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 20)
	page, err := client.FetchPage(context.Background(), Cursor{Max: 99, ViewAt: 1700000000})
	require.NoError(t, err)
	assert.Empty(t, page.List)
	assert.True(t, page.Cursor.IsZero())
}

func TestFetchPage_UpstreamLogicalError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code": -101, "message": "account not logged in"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 20)
	_, err := client.FetchPage(context.Background(), Cursor{})
	require.Error(t, err)
	// The upstream message is surfaced verbatim.
	assert.Contains(t, err.Error(), "-101")
	assert.Contains(t, err.Error(), "account not logged in")
}

func TestFetchPage_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 20)
	_, err := client.FetchPage(context.Background(), Cursor{})
	require.Error(t, err)
}

func TestFetchPage_MalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway error</html>`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", 20)
	_, err := client.FetchPage(context.Background(), Cursor{})
	require.Error(t, err)
}
