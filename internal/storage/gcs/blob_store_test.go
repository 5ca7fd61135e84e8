package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func testClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploadsObject(t *testing.T) {
	t.Parallel()

	var gotName string
	var gotBody []byte
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots-bucket/o")
		gotName = r.URL.Query().Get("name")
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		gotBody = body
		fmt.Fprintf(w, `{"name":%q,"bucket":"snapshots-bucket"}`, gotName)
	}))

	store, err := New(client, Config{Bucket: "snapshots-bucket"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/resolutions/100/abc.html", "text/html",
		bytes.NewReader([]byte("<html>Approve Budget</html>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://snapshots-bucket/resolutions/100/abc.html", uri)
	assert.Equal(t, "resolutions/100/abc.html", gotName)
	assert.Contains(t, string(gotBody), "<html>Approve Budget</html>")
	assert.NoError(t, store.Close(), "borrowed clients are not closed")
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "x.html", "text/html", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client := testClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	assert.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/storage/v1/b/present" {
			fmt.Fprint(w, `{"name":"present"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	opts := []option.ClientOption{option.WithEndpoint(server.URL + "/storage/v1/"), option.WithoutAuthentication()}

	store, err := Open(context.Background(), Config{Bucket: "present"}, opts...)
	require.NoError(t, err)
	assert.NoError(t, store.Close())

	_, err = Open(context.Background(), Config{Bucket: "missing"}, opts...)
	assert.Error(t, err)
}
