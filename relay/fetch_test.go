package relay

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func TestFetcher_Fetch_ParsesFreshDocument(t *testing.T) {
	f := &Fetcher{
		URL: "https://example.invalid/v1/relays",
		Client: &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Etag": []string{`"v1"`}},
				Body:       io.NopCloser(strings.NewReader(sampleDoc)),
			}, nil
		}},
	}

	cat, err := f.Fetch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, `"v1"`, cat.ETag)
	require.Len(t, cat.Relays, 2)
}

func TestFetcher_Fetch_NotModifiedReturnsPriorSnapshot(t *testing.T) {
	prev := &Catalog{ETag: `"v1"`, Relays: []Relay{{Hostname: "cached"}}}

	var sentIfNoneMatch string
	f := &Fetcher{
		URL: "https://example.invalid/v1/relays",
		Client: &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
			sentIfNoneMatch = req.Header.Get("If-None-Match")
			return &http.Response{
				StatusCode: http.StatusNotModified,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		}},
	}

	cat, err := f.Fetch(context.Background(), prev)
	require.NoError(t, err)
	require.Same(t, prev, cat)
	require.Equal(t, `"v1"`, sentIfNoneMatch)
}

func TestFetcher_Fetch_ErrorStatusFails(t *testing.T) {
	f := &Fetcher{
		URL: "https://example.invalid/v1/relays",
		Client: &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("")),
			}, nil
		}},
	}

	_, err := f.Fetch(context.Background(), nil)
	require.Error(t, err)
}

func TestStore_RefreshInstallsNewSnapshot(t *testing.T) {
	store := NewStore()
	require.Nil(t, store.Current())

	f := &Fetcher{
		URL: "https://example.invalid/v1/relays",
		Client: &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Etag": []string{`"v1"`}},
				Body:       io.NopCloser(strings.NewReader(sampleDoc)),
			}, nil
		}},
	}

	err := store.Refresh(context.Background(), f)
	require.NoError(t, err)
	require.NotNil(t, store.Current())
	require.Len(t, store.Current().Relays, 2)
}
