package storage

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iriscfg "github.com/traceroute-cloud/iris/internal/config"
)

// fakeS3 is a minimal in-memory S3-compatible HTTP backend, covering just
// the handful of operations Storage issues, served via httptest.NewServer
// so the adapter's List/Head/Get/Put/Delete calls run against something real
// instead of only the error-fallback helper.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, metadata: map[string]map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) > 1 {
		key = parts[1]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		f.handleList(w, bucket)
	case r.Method == http.MethodHead:
		f.handleHead(w, bucket, key)
	case r.Method == http.MethodGet:
		f.handleGet(w, bucket, key)
	case r.Method == http.MethodPut:
		f.handlePut(w, r, bucket, key)
	case r.Method == http.MethodDelete:
		f.handleDelete(w, bucket, key)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) handleList(w http.ResponseWriter, bucket string) {
	type content struct {
		Key string `xml:"Key"`
	}
	type result struct {
		XMLName     xml.Name  `xml:"ListBucketResult"`
		Name        string    `xml:"Name"`
		IsTruncated bool      `xml:"IsTruncated"`
		Contents    []content `xml:"Contents"`
	}
	res := result{Name: bucket}
	prefix := bucket + "/"
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			res.Contents = append(res.Contents, content{Key: strings.TrimPrefix(k, prefix)})
		}
	}
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(res)
}

func (f *fakeS3) handleHead(w http.ResponseWriter, bucket, key string) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for name, val := range f.metadata[bucket+"/"+key] {
		w.Header().Set("x-amz-meta-"+name, val)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("ETag", `"fake"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) handleGet(w http.ResponseWriter, bucket, key string) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write(data)
}

func (f *fakeS3) handlePut(w http.ResponseWriter, r *http.Request, bucket, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	f.objects[bucket+"/"+key] = data

	meta := map[string]string{}
	for name, vals := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
		}
	}
	f.metadata[bucket+"/"+key] = meta

	w.Header().Set("ETag", `"fake"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) handleDelete(w http.ResponseWriter, bucket, key string) {
	delete(f.objects, bucket+"/"+key)
	delete(f.metadata, bucket+"/"+key)
	w.WriteHeader(http.StatusNoContent)
}

func newTestStorage(t *testing.T, fake *fakeS3) *Storage {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	st, err := New(context.Background(), iriscfg.StorageConfig{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return st
}

func TestStoragePutGetHeadDelete(t *testing.T) {
	st := newTestStorage(t, newFakeS3())
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "payload.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	require.NoError(t, st.Put(ctx, "bucket", "key", path, map[string]string{"round": "1"}))

	data, err := st.Get(ctx, "bucket", "key")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := st.Head(ctx, "bucket", "key")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "1", info.Metadata["round"])

	status, err := st.Delete(ctx, "bucket", "key")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	_, err = st.Get(ctx, "bucket", "key")
	assert.Error(t, err)
}

func TestStorageList(t *testing.T) {
	st := newTestStorage(t, newFakeS3())
	ctx := context.Background()

	dir := t.TempDir()
	for _, name := range []string{"a.csv", "b.csv"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		require.NoError(t, st.Put(ctx, "bucket", name, path, nil))
	}

	keys, err := st.List(ctx, "bucket")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.csv", "b.csv"}, keys)
}

func TestStorageDeleteNoCheckToleratesMissingKey(t *testing.T) {
	st := newTestStorage(t, newFakeS3())

	// Deleting a key that was never Put must not panic or block; the fake
	// still answers 204 for an unknown key, matching S3's idempotent delete.
	st.DeleteNoCheck(context.Background(), "bucket", "does-not-exist")
}

func TestHTTPStatusFromErrorFallsBackToServerError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, httpStatusFromError(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
