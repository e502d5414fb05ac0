package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-conference-auth"
)

func newConferenceService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conferences/ICSSE2024", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Int. Conference on Software Systems","code":"ICSSE 2024"}`))
	})
	mux.HandleFunc("/conferences/NAMEONLY", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Workshop on Tools"}`))
	})
	mux.HandleFunc("/conferences/CODEONLY", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"WOT"}`))
	})
	mux.HandleFunc("/conferences/EMPTY", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/conferences/BROKEN", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	})
	mux.HandleFunc("/conferences/SLOW", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"name":"Too Late"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPScopeNameResolver(t *testing.T) {
	srv := newConferenceService(t)
	resolver := auth.NewHTTPScopeNameResolver(srv.URL+"/", time.Second)

	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{id: "ICSSE2024", want: "Int. Conference on Software Systems (ICSSE 2024)"},
		{id: "NAMEONLY", want: "Workshop on Tools"},
		{id: "CODEONLY", want: "WOT"},
		{id: "EMPTY", wantErr: true},
		{id: "BROKEN", wantErr: true},
		{id: "MISSING", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			name, err := resolver.ConferenceName(context.Background(), tt.id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestHTTPScopeNameResolverTimesOut(t *testing.T) {
	srv := newConferenceService(t)
	resolver := auth.NewHTTPScopeNameResolver(srv.URL, 50*time.Millisecond)

	_, err := resolver.ConferenceName(context.Background(), "SLOW")
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = resolver.ConferenceName(ctx, "ICSSE2024")
	require.ErrorIs(t, err, context.Canceled)
}

func TestStaticScopeNames(t *testing.T) {
	names := auth.StaticScopeNames{"ICSSE2024": "ICSSE 2024"}

	name, err := names.ConferenceName(context.Background(), "ICSSE2024")
	require.NoError(t, err)
	assert.Equal(t, "ICSSE 2024", name)

	_, err = names.ConferenceName(context.Background(), "OTHER")
	require.Error(t, err)
}
