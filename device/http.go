package device

import (
	"io"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"howett.net/ranger"
)

// HTTPDevice reads files served over HTTP with range requests. It cannot
// write, delete or rename.
type HTTPDevice struct {
	base *url.URL
}

// NewHTTP creates a device resolving paths against baseURL. The server
// must answer range requests and send a Last-Modified or ETag header;
// InputStream fails on files served without either validator.
func NewHTTP(baseURL string) (*HTTPDevice, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse URL")
	}
	return &HTTPDevice{base: u}, nil
}

// URL returns the address of p
func (d *HTTPDevice) URL(p string) *url.URL {
	return d.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(p, "/")})
}

func (d *HTTPDevice) Open(p string, codec Codec) (io.ReadCloser, error) {
	return open(d, p, codec)
}

func (d *HTTPDevice) Create(p string, codec Codec, append bool) (io.WriteCloser, error) {
	return nil, errors.Wrapf(ErrReadOnly, "create %q", p)
}

// InputStream returns a seekable reader fetching byte ranges on demand
func (d *HTTPDevice) InputStream(p string) (io.ReadCloser, error) {
	reader, err := ranger.NewReader(&ranger.HTTPRanger{URL: d.URL(p)})
	if err != nil {
		return nil, backendError(err, "open", p)
	}
	if _, err := reader.Length(); err != nil {
		return nil, backendError(err, "stat", p)
	}
	return &rangeReader{Reader: reader}, nil
}

func (d *HTTPDevice) OutputStream(p string, append bool) (io.WriteCloser, error) {
	return nil, errors.Wrapf(ErrReadOnly, "write %q", p)
}

func (d *HTTPDevice) Delete(p string) error {
	return errors.Wrapf(ErrReadOnly, "delete %q", p)
}

func (d *HTTPDevice) Rename(src, dst string) error {
	return errors.Wrapf(ErrReadOnly, "rename %q", src)
}

type rangeReader struct {
	*ranger.Reader
}

func (r *rangeReader) Close() error {
	return nil
}
