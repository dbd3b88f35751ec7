package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type fakeGCS struct {
	mu       sync.Mutex
	uploads  []string
	bodies   []string
	bucketOK bool
	failPut  bool
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/storage/v1/b/shots/o"):
		if f.failPut {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		name := r.URL.Query().Get("name")
		f.uploads = append(f.uploads, name)
		f.bodies = append(f.bodies, string(body))
		fmt.Fprintf(w, `{"name":%q,"bucket":"shots"}`, name)
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/b/shots"):
		if !f.bucketOK {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"name":"shots"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestStore(t *testing.T, fake *fakeGCS) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(srv.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "shots"})
	require.NoError(t, err)
	return store
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "shots"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsAndReturnsURI(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{}
	store := newTestStore(t, fake)

	uri, err := store.PutObject(context.Background(), "job-1/abc.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	require.Equal(t, "gs://shots/job-1/abc.png", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, []string{"job-1/abc.png"}, fake.uploads)
	require.Contains(t, fake.bodies[0], "png-bytes")
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeGCS{failPut: true})
	_, err := store.PutObject(context.Background(), "job-1/abc.png", "image/png", []byte("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "  ", "image/png", []byte("x"))
	require.ErrorContains(t, err, "path is required")
}

func TestVerify(t *testing.T) {
	t.Parallel()

	require.NoError(t, newTestStore(t, &fakeGCS{bucketOK: true}).Verify(context.Background()))
	require.Error(t, newTestStore(t, &fakeGCS{}).Verify(context.Background()))
}
