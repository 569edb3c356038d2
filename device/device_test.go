package device

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kstore/config"
)

func writeAll(t *testing.T, d Device, p string, codec Codec, append bool, data []byte) {
	t.Helper()
	w, err := d.Create(p, codec, append)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readAll(t *testing.T, d Device, p string, codec Codec) []byte {
	t.Helper()
	r, err := d.Open(p, codec)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("Europe,France,67795000;"), 200)
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecGzip, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			d := NewMemory()
			writeAll(t, d, "bucket0/col0", codec, false, payload)
			assert.Equal(t, payload, readAll(t, d, "bucket0/col0", codec))

			parsed, err := ParseCodec(codec.String())
			require.NoError(t, err)
			assert.Equal(t, codec, parsed)
		})
	}

	_, err := ParseCodec("brotli")
	assert.Error(t, err)
}

func TestFSDevice(t *testing.T) {
	devices := map[string]*FSDevice{
		"Memory": NewMemory(),
		"Local":  NewLocal(t.TempDir()),
	}
	for name, d := range devices {
		t.Run(name, func(t *testing.T) {
			writeAll(t, d, "store/bucket0/id", CodecNone, false, []byte("abc"))
			writeAll(t, d, "store/bucket0/id", CodecNone, true, []byte("def"))
			assert.Equal(t, []byte("abcdef"), readAll(t, d, "store/bucket0/id", CodecNone))

			writeAll(t, d, "store/bucket0/id", CodecNone, false, []byte("xy"))
			assert.Equal(t, []byte("xy"), readAll(t, d, "store/bucket0/id", CodecNone))

			r, err := d.InputStream("store/bucket0/id")
			require.NoError(t, err)
			_, ok := r.(io.Seeker)
			assert.True(t, ok)
			require.NoError(t, r.Close())

			require.NoError(t, d.Rename("store/bucket0/id", "store/bucket1/id_add1"))
			assert.Equal(t, []byte("xy"), readAll(t, d, "store/bucket1/id_add1", CodecNone))

			_, err = d.InputStream("store/bucket0/id")
			assert.ErrorIs(t, err, ErrBackendIO)
			assert.True(t, stderrors.Is(err, ErrBackendIO))
			assert.ErrorContains(t, err, `failed to open "store/bucket0/id"`)

			require.NoError(t, d.Delete("store/bucket1/id_add1"))
			require.NoError(t, d.Delete("store/bucket1/id_add1"))
			require.NoError(t, d.Delete("store/bucket1"))

			err = d.Rename("store/missing", "store/other")
			assert.ErrorIs(t, err, ErrBackendIO)
		})
	}
}

func TestIOError(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := IOError(cause, "failed to write %s", "bucket0/col1")
	assert.True(t, stderrors.Is(err, ErrBackendIO))
	assert.ErrorIs(t, err, ErrBackendIO)
	assert.Equal(t, "failed to write bucket0/col1: connection reset: backend I/O failure", err.Error())
}

func TestLocalDeviceRoot(t *testing.T) {
	root := t.TempDir()
	d := NewLocal(root)
	writeAll(t, d, "s/bucket0/col1", CodecNone, false, []byte{1, 2})

	data, err := os.ReadFile(filepath.Join(root, "s", "bucket0", "col1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)
}

func TestHTTPDevice(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/bucket0/colALL" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", `"colALL-1"`)
		http.ServeContent(w, r, "colALL", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), bytes.NewReader(content))
	}))
	defer srv.Close()

	d, err := NewHTTP(srv.URL + "/data")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/data/bucket0/colALL", d.URL("bucket0/colALL").String())

	r, err := d.InputStream("bucket0/colALL")
	require.NoError(t, err)
	seeker, ok := r.(io.Seeker)
	require.True(t, ok)
	_, err = seeker.Seek(10, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcde"), buf)
	require.NoError(t, r.Close())

	_, err = d.Create("bucket0/colALL", CodecNone, false)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, d.Delete("bucket0/colALL"), ErrReadOnly)
	assert.ErrorIs(t, d.Rename("a", "b"), ErrReadOnly)
}

func TestHTTPDeviceNeedsValidator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "colALL", time.Time{}, bytes.NewReader([]byte("0123456789")))
	}))
	defer srv.Close()

	d, err := NewHTTP(srv.URL)
	require.NoError(t, err)
	_, err = d.InputStream("colALL")
	assert.ErrorIs(t, err, ErrBackendIO)
}

func TestParseObjectPath(t *testing.T) {
	tests := []struct {
		path, bucket, key string
	}{
		{"s3://data/store/bucket0/id", "data", "store/bucket0/id"},
		{"s3a://data/x", "data", "x"},
		{"gs://other/y/z", "other", "y/z"},
		{"store/bucket0/col1", "default", "root/store/bucket0/col1"},
		{"/store/bucket0/col1", "default", "root/store/bucket0/col1"},
	}
	for _, tt := range tests {
		bucket, key, err := ParseObjectPath(tt.path, "default", "root")
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.bucket, bucket, tt.path)
		assert.Equal(t, tt.key, key, tt.path)
	}

	_, _, err := ParseObjectPath("s3://data", "default", "")
	assert.Error(t, err)
	_, _, err = ParseObjectPath("store/x", "", "")
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	d, err := FromConfig(ctx, config.DeviceConfig{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &FSDevice{}, d)

	d, err = FromConfig(ctx, config.DeviceConfig{Kind: "local", Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSDevice{}, d)

	d, err = FromConfig(ctx, config.DeviceConfig{Kind: "http", BaseURL: "http://localhost:1/"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPDevice{}, d)

	_, err = FromConfig(ctx, config.DeviceConfig{Kind: "hdfs"})
	assert.Error(t, err)
}
