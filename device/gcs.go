package device

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/cockroachdb/errors"
	"google.golang.org/api/option"
)

// GCSConfig configures a Google Cloud Storage device
type GCSConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
}

// GCSDevice stores files as GCS objects
type GCSDevice struct {
	ctx    context.Context
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a device using application default or file credentials
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCSDevice, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCS client")
	}
	return NewGCSFromClient(ctx, client, cfg.Bucket, cfg.Prefix), nil
}

// NewGCSFromClient creates a device over an existing client
func NewGCSFromClient(ctx context.Context, client *storage.Client, bucket, prefix string) *GCSDevice {
	return &GCSDevice{ctx: ctx, client: client, bucket: bucket, prefix: prefix}
}

// Close releases the client
func (d *GCSDevice) Close() error {
	return d.client.Close()
}

func (d *GCSDevice) object(p string) (*storage.ObjectHandle, error) {
	bucket, key, err := ParseObjectPath(p, d.bucket, d.prefix)
	if err != nil {
		return nil, err
	}
	return d.client.Bucket(bucket).Object(key), nil
}

func (d *GCSDevice) Open(p string, codec Codec) (io.ReadCloser, error) {
	return open(d, p, codec)
}

func (d *GCSDevice) Create(p string, codec Codec, append bool) (io.WriteCloser, error) {
	return create(d, p, codec, append)
}

func (d *GCSDevice) InputStream(p string) (io.ReadCloser, error) {
	obj, err := d.object(p)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(d.ctx)
	if err != nil {
		return nil, backendError(err, "open", p)
	}
	return r, nil
}

// OutputStream writes a new object version; append copies the current
// content first
func (d *GCSDevice) OutputStream(p string, append bool) (io.WriteCloser, error) {
	obj, err := d.object(p)
	if err != nil {
		return nil, err
	}
	var existing []byte
	if append {
		r, err := obj.NewReader(d.ctx)
		switch {
		case errors.Is(err, storage.ErrObjectNotExist):
		case err != nil:
			return nil, backendError(err, "append to", p)
		default:
			existing, err = io.ReadAll(r)
			r.Close()
			if err != nil {
				return nil, backendError(err, "append to", p)
			}
		}
	}
	w := obj.NewWriter(d.ctx)
	if len(existing) > 0 {
		if _, err := w.Write(existing); err != nil {
			w.Close()
			return nil, backendError(err, "append to", p)
		}
	}
	return w, nil
}

func (d *GCSDevice) Delete(p string) error {
	obj, err := d.object(p)
	if err != nil {
		return err
	}
	if err := obj.Delete(d.ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return backendError(err, "delete", p)
	}
	return nil
}

func (d *GCSDevice) Rename(src, dst string) error {
	from, err := d.object(src)
	if err != nil {
		return err
	}
	to, err := d.object(dst)
	if err != nil {
		return err
	}
	if _, err := to.CopierFrom(from).Run(d.ctx); err != nil {
		return backendError(err, "copy", src)
	}
	return d.Delete(src)
}
