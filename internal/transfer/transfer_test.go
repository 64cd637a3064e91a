package transfer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsBodyAndETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	p := NewPool(4, 5*time.Second)
	body, etag, notModified, err := p.Get(context.Background(), srv.URL, nil, "")
	require.NoError(t, err)
	require.False(t, notModified)
	require.Equal(t, `"abc"`, etag)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	body.Close()
	require.Equal(t, "payload", string(data))
}

func TestGetHonorsConditionalRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"same"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"same"`)
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	p := NewPool(2, 5*time.Second)
	body, _, notModified, err := p.Get(context.Background(), srv.URL, nil, `"same"`)
	require.NoError(t, err)
	require.True(t, notModified)
	require.Nil(t, body)
}

func TestGetClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewPool(2, 5*time.Second)
	_, _, _, err := p.Get(context.Background(), srv.URL, nil, "")
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ClassNotFound, terr.Class)
}

func TestPutSendsBodyAndAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "uploaded", string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewPool(2, 5*time.Second)
	auth := AuthenticatorFunc(func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer tok")
		return nil
	})
	err := p.Put(context.Background(), srv.URL, auth, "application/octet-stream", strings.NewReader("uploaded"))
	require.NoError(t, err)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestHeadReportsExistence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"x"`)
	}))
	defer srv.Close()

	p := NewPool(2, 5*time.Second)
	exists, etag, err := p.Head(context.Background(), srv.URL+"/present", nil)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, `"x"`, etag)

	exists, _, err = p.Head(context.Background(), srv.URL+"/missing", nil)
	require.NoError(t, err)
	require.False(t, exists)
}
