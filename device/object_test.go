package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// objectServer keeps objects by "bucket/key"
type objectServer struct {
	mu          sync.Mutex
	objects     map[string][]byte
	copySources []string
}

func newObjectServer() *objectServer {
	return &objectServer{objects: map[string][]byte{}}
}

func (o *objectServer) get(name string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[name]
	return data, ok
}

func (o *objectServer) put(name string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[name] = data
}

func (o *objectServer) remove(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[name]
	delete(o.objects, name)
	return ok
}

func (o *objectServer) copied() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.copySources...)
}

func (o *objectServer) names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for name := range o.objects {
		out = append(out, name)
	}
	return out
}

func writeBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

// serveS3 answers the path-style PutObject, GetObject, DeleteObject and
// CopyObject requests of the device
func (o *objectServer) serveS3(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	noSuchKey := func() {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
	}
	switch r.Method {
	case http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			o.mu.Lock()
			o.copySources = append(o.copySources, src)
			o.mu.Unlock()
			from, err := url.PathUnescape(strings.TrimPrefix(src, "/"))
			data, ok := o.get(from)
			if err != nil || !ok {
				noSuchKey()
				return
			}
			o.put(name, bytes.Clone(data))
			writeBody(w, "application/xml", []byte(`<?xml version="1.0" encoding="UTF-8"?>`+
				`<CopyObjectResult><ETag>"1"</ETag><LastModified>2024-03-01T12:00:00.000Z</LastModified></CopyObjectResult>`))
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.put(name, data)
		w.Header().Set("ETag", `"1"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := o.get(name)
		if !ok {
			noSuchKey()
			return
		}
		writeBody(w, "application/octet-stream", data)
	case http.MethodDelete:
		// some S3-compatible servers report missing keys on delete
		if !o.remove(name) {
			noSuchKey()
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T) (*S3Device, *objectServer) {
	t.Helper()
	objects := newObjectServer()
	srv := httptest.NewServer(http.HandlerFunc(objects.serveS3))
	t.Cleanup(srv.Close)
	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3FromClient(context.Background(), client, "data", "store"), objects
}

func TestS3Device(t *testing.T) {
	d, objects := newTestS3(t)

	t.Run("WriteRead", func(t *testing.T) {
		writeAll(t, d, "bucket0/col0", CodecNone, false, []byte("abc"))
		stored, ok := objects.get("data/store/bucket0/col0")
		require.True(t, ok)
		assert.Equal(t, []byte("abc"), stored)
		assert.Equal(t, []byte("abc"), readAll(t, d, "bucket0/col0", CodecNone))
		assert.Equal(t, []byte("abc"), readAll(t, d, "s3://data/store/bucket0/col0", CodecNone))
	})

	t.Run("Append", func(t *testing.T) {
		writeAll(t, d, "bucket0/col0", CodecNone, true, []byte("def"))
		assert.Equal(t, []byte("abcdef"), readAll(t, d, "bucket0/col0", CodecNone))

		writeAll(t, d, "bucket0/fresh", CodecNone, true, []byte("x"))
		assert.Equal(t, []byte("x"), readAll(t, d, "bucket0/fresh", CodecNone))
	})

	t.Run("Codec", func(t *testing.T) {
		payload := bytes.Repeat([]byte("Asia,Japan;"), 100)
		writeAll(t, d, "bucket0/packed", CodecZstd, false, payload)
		assert.Equal(t, payload, readAll(t, d, "bucket0/packed", CodecZstd))
	})

	t.Run("Rename", func(t *testing.T) {
		writeAll(t, d, "bucket0/col 1+a", CodecNone, false, []byte("moved"))
		require.NoError(t, d.Rename("bucket0/col 1+a", "bucket0/col1"))
		assert.Equal(t, []byte("moved"), readAll(t, d, "bucket0/col1", CodecNone))
		assert.Contains(t, objects.copied(), "data/store/bucket0/col%201+a")

		_, ok := objects.get("data/store/bucket0/col 1+a")
		assert.False(t, ok)
		_, err := d.InputStream("bucket0/col 1+a")
		assert.ErrorIs(t, err, ErrBackendIO)

		assert.ErrorIs(t, d.Rename("bucket0/missing", "bucket0/other"), ErrBackendIO)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, d.Delete("bucket0/col1"))
		_, ok := objects.get("data/store/bucket0/col1")
		assert.False(t, ok)
		require.NoError(t, d.Delete("bucket0/col1"))
	})

	t.Run("BadPath", func(t *testing.T) {
		_, err := d.InputStream("s3://data")
		assert.Error(t, err)
	})
}

func TestCopySource(t *testing.T) {
	assert.Equal(t, "data/store/bucket0/id", copySource("data", "store/bucket0/id"))
	assert.Equal(t, "data/a%20b/c%25d%3Fe", copySource("data", "a b/c%d?e"))
}

// objectPath splits an escaped "/bucket/object" path; the object keeps its
// encoded slashes
func objectPath(escaped string) (string, string) {
	bucket, object, _ := strings.Cut(strings.TrimPrefix(escaped, "/"), "/")
	name, err := url.PathUnescape(object)
	if err != nil {
		return bucket, object
	}
	return bucket, name
}

func gcsObject(bucket, name string, size int) []byte {
	out, _ := json.Marshal(map[string]any{
		"kind":       "storage#object",
		"bucket":     bucket,
		"name":       name,
		"size":       strconv.Itoa(size),
		"generation": "1",
	})
	return out
}

func gcsNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, `{"error":{"code":404,"message":"No such object"}}`)
}

// serveGCS answers the JSON API uploads, rewrites and deletes and the XML
// API reads of the storage client
func (o *objectServer) serveGCS(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/upload/storage/v1/b/"):
		bucket, _, _ := strings.Cut(strings.TrimPrefix(path, "/upload/storage/v1/b/"), "/")
		name := r.URL.Query().Get("name")
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		var data []byte
		for i := 0; ; i++ {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			body, err := io.ReadAll(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if i == 0 && name == "" {
				var meta struct {
					Name string `json:"name"`
				}
				_ = json.Unmarshal(body, &meta)
				name = meta.Name
			}
			if i == 1 {
				data = body
			}
		}
		o.put(bucket+"/"+name, data)
		writeBody(w, "application/json", gcsObject(bucket, name, len(data)))

	case r.Method == http.MethodPost && strings.Contains(path, "/rewriteTo/"):
		src, dst, _ := strings.Cut(strings.TrimPrefix(path, "/storage/v1/b/"), "/rewriteTo/b/")
		srcBucket, srcObject, _ := strings.Cut(src, "/o/")
		dstBucket, dstObject, _ := strings.Cut(dst, "/o/")
		srcName, _ := url.PathUnescape(srcObject)
		dstName, _ := url.PathUnescape(dstObject)
		data, ok := o.get(srcBucket + "/" + srcName)
		if !ok {
			gcsNotFound(w)
			return
		}
		o.put(dstBucket+"/"+dstName, bytes.Clone(data))
		resource := gcsObject(dstBucket, dstName, len(data))
		size := strconv.Itoa(len(data))
		writeBody(w, "application/json", []byte(`{"kind":"storage#rewriteResponse","done":true,`+
			`"totalBytesRewritten":"`+size+`","objectSize":"`+size+`","resource":`+string(resource)+`}`))

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/storage/v1/b/"):
		bucket, object, _ := strings.Cut(strings.TrimPrefix(path, "/storage/v1/b/"), "/o/")
		name, _ := url.PathUnescape(object)
		if !o.remove(bucket + "/" + name) {
			gcsNotFound(w)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet:
		bucket, name := objectPath(path)
		data, ok := o.get(bucket + "/" + name)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeBody(w, "application/octet-stream", data)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestGCS(t *testing.T) (*GCSDevice, *objectServer) {
	t.Helper()
	objects := newObjectServer()
	srv := httptest.NewServer(http.HandlerFunc(objects.serveGCS))
	t.Cleanup(srv.Close)
	ctx := context.Background()
	client, err := storage.NewClient(ctx,
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication())
	require.NoError(t, err)
	d := NewGCSFromClient(ctx, client, "data", "store")
	t.Cleanup(func() { _ = d.Close() })
	return d, objects
}

func TestGCSDevice(t *testing.T) {
	d, objects := newTestGCS(t)

	writeAll(t, d, "bucket0/col0", CodecNone, false, []byte("abc"))
	stored, ok := objects.get("data/store/bucket0/col0")
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), stored)
	assert.Equal(t, []byte("abc"), readAll(t, d, "bucket0/col0", CodecNone))
	assert.Equal(t, []byte("abc"), readAll(t, d, "gs://data/store/bucket0/col0", CodecNone))

	writeAll(t, d, "bucket0/col0", CodecNone, true, []byte("def"))
	assert.Equal(t, []byte("abcdef"), readAll(t, d, "bucket0/col0", CodecNone))
	writeAll(t, d, "bucket0/fresh", CodecNone, true, []byte("x"))
	assert.Equal(t, []byte("x"), readAll(t, d, "bucket0/fresh", CodecNone))

	require.NoError(t, d.Rename("bucket0/col0", "bucket0/col0_final"))
	assert.Equal(t, []byte("abcdef"), readAll(t, d, "bucket0/col0_final", CodecNone))
	_, err := d.InputStream("bucket0/col0")
	assert.ErrorIs(t, err, ErrBackendIO)
	assert.ErrorIs(t, d.Rename("bucket0/missing", "bucket0/other"), ErrBackendIO)

	require.NoError(t, d.Delete("bucket0/col0_final"))
	require.NoError(t, d.Delete("bucket0/col0_final"))
	assert.ElementsMatch(t, []string{"data/store/bucket0/fresh"}, objects.names())
}
