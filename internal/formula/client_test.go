package formula

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

func TestFetchesFormulaFromServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/foo.json", r.URL.Path)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"name":"foo","versions":{"stable":"1.2.3"},"dependencies":[],"bottle":{"stable":{"files":{}}}}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, t.TempDir(), nil, nil)
	require.NoError(t, err)

	f, err := client.GetFormula(context.Background(), "foo")
	require.NoError(t, err)
	require.Equal(t, "foo", f.Name)
	require.Equal(t, "1.2.3", f.Versions.Stable)
}

func TestReturnsMissingFormulaOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := New(srv.URL, t.TempDir(), nil, nil)
	require.NoError(t, err)

	_, err = client.GetFormula(context.Background(), "nonexistent")
	require.Error(t, err)
	kind, ok := zerrors.ClassOf(err)
	require.True(t, ok)
	require.Equal(t, zerrors.KindMissingFormula, kind)
}

func TestConditionalRequestUsesCachedBodyOn304(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"name":"bar","versions":{"stable":"2.0.0"},"dependencies":[],"bottle":{"stable":{"files":{}}}}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, t.TempDir(), nil, nil)
	require.NoError(t, err)

	f1, err := client.GetFormula(context.Background(), "bar")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", f1.Versions.Stable)

	f2, err := client.GetFormula(context.Background(), "bar")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", f2.Versions.Stable)
	require.Equal(t, 2, calls)
}
