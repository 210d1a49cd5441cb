package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStorage_WriteURLDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewLocalStorage(LocalConfig{BasePath: dir, PublicPrefix: "/uploads/"})
	req.NoError(err)

	req.NoError(s.Write(ctx, "2024/05/a.txt", strings.NewReader("hello"), 5, "text/plain"))

	b, err := os.ReadFile(filepath.Join(dir, "2024", "05", "a.txt"))
	req.NoError(err)
	req.Equal("hello", string(b))

	ok, err := s.Exists(ctx, "2024/05/a.txt")
	req.NoError(err)
	req.True(ok)

	u, err := s.GetURL(ctx, "2024/05/a.txt", time.Hour)
	req.NoError(err)
	req.Equal("/uploads/2024/05/a.txt", u)

	req.NoError(s.Delete(ctx, "2024/05/a.txt"))
	req.NoError(s.Delete(ctx, "2024/05/a.txt"))

	_, err = s.GetURL(ctx, "2024/05/a.txt", time.Hour)
	req.ErrorIs(err, ErrNotFound)

	leftovers, err := filepath.Glob(filepath.Join(dir, "2024", "05", ".tmp-*"))
	req.NoError(err)
	req.Empty(leftovers)
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	for _, key := range []string{"../x", "a/../../x", "..", ""} {
		err := s.Write(context.Background(), key, strings.NewReader("x"), 1, "")
		require.Error(t, err, key)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestLocalStorage_FailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(LocalConfig{BasePath: dir})
	require.NoError(t, err)

	require.Error(t, s.Write(context.Background(), "b.bin", failingReader{}, -1, ""))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// fakeS3 accepts path-style PUT, HEAD and DELETE requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.objects[key] = string(b)
		f.types[key] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3(t *testing.T, publicURL string) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3Storage(context.Background(), S3Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "attachments",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
		PublicURL:       publicURL,
	})
	require.NoError(t, err)
	return s, fake
}

func TestS3Storage_WriteExistsDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s, fake := newS3(t, "")

	req.NoError(s.Write(ctx, "u1/report.pdf", strings.NewReader("%PDF-1.4"), 8, "application/pdf"))
	req.Equal("application/pdf", fake.types["attachments/u1/report.pdf"])

	ok, err := s.Exists(ctx, "u1/report.pdf")
	req.NoError(err)
	req.True(ok)

	req.NoError(s.Delete(ctx, "u1/report.pdf"))
	ok, err = s.Exists(ctx, "u1/report.pdf")
	req.NoError(err)
	req.False(ok)
}

func TestS3Storage_GetURL(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	public, _ := newS3(t, "https://cdn.example.com/")
	u, err := public.GetURL(ctx, "u1/a.png", time.Hour)
	req.NoError(err)
	req.Equal("https://cdn.example.com/u1/a.png", u)

	private, _ := newS3(t, "")
	u, err = private.GetURL(ctx, "u1/a.png", 15*time.Minute)
	req.NoError(err)
	parsed, err := url.Parse(u)
	req.NoError(err)
	req.Equal("/attachments/u1/a.png", parsed.Path)
	req.Equal("900", parsed.Query().Get("X-Amz-Expires"))
	req.NotEmpty(parsed.Query().Get("X-Amz-Signature"))
}

func TestNewS3Storage_RequiresBucket(t *testing.T) {
	_, err := NewS3Storage(context.Background(), S3Config{})
	require.Error(t, err)
}
