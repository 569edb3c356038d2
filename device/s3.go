package device

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/logger"
)

// S3Config configures an S3 device
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Device stores files as S3 objects. Writes are staged in a local temp
// file and uploaded on Close.
type S3Device struct {
	ctx      context.Context
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      *zap.Logger
}

// NewS3 creates a device from the default AWS credential chain
func NewS3(ctx context.Context, cfg S3Config) (*S3Device, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3FromClient(ctx, client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3FromClient creates a device over an existing client
func NewS3FromClient(ctx context.Context, client *s3.Client, bucket, prefix string) *S3Device {
	return &S3Device{
		ctx:    ctx,
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 8 * 1024 * 1024
			u.Concurrency = 4
		}),
		bucket: bucket,
		prefix: prefix,
		log:    logger.Named("device.s3"),
	}
}

// ParseObjectPath splits s3://bucket/key, s3a://bucket/key and gs://bucket/key
// into bucket and key. Any other path is a key under defaultBucket and prefix.
func ParseObjectPath(p, defaultBucket, prefix string) (string, string, error) {
	for _, scheme := range []string{"s3://", "s3a://", "gs://"} {
		if rest, ok := strings.CutPrefix(p, scheme); ok {
			bucket, key, found := strings.Cut(rest, "/")
			if !found || bucket == "" || key == "" {
				return "", "", errors.Newf("invalid object path %q", p)
			}
			return bucket, key, nil
		}
	}
	if defaultBucket == "" {
		return "", "", errors.Newf("no bucket for object path %q", p)
	}
	key := strings.TrimPrefix(path.Join(prefix, p), "/")
	return defaultBucket, key, nil
}

func (d *S3Device) Open(p string, codec Codec) (io.ReadCloser, error) {
	return open(d, p, codec)
}

func (d *S3Device) Create(p string, codec Codec, append bool) (io.WriteCloser, error) {
	return create(d, p, codec, append)
}

func (d *S3Device) InputStream(p string) (io.ReadCloser, error) {
	bucket, key, err := ParseObjectPath(p, d.bucket, d.prefix)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetObject(d.ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, backendError(err, "get object", p)
	}
	return out.Body, nil
}

func (d *S3Device) OutputStream(p string, append bool) (io.WriteCloser, error) {
	bucket, key, err := ParseObjectPath(p, d.bucket, d.prefix)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "kstore-s3-*")
	if err != nil {
		return nil, backendError(err, "stage", p)
	}
	w := &s3Writer{dev: d, file: tmp, bucket: bucket, key: key}
	if append {
		if err := w.download(); err != nil {
			w.discard()
			return nil, backendError(err, "append to", p)
		}
	}
	return w, nil
}

func (d *S3Device) Delete(p string) error {
	bucket, key, err := ParseObjectPath(p, d.bucket, d.prefix)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteObject(d.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNoSuchKey(err) {
		return backendError(err, "delete", p)
	}
	return nil
}

// Rename copies src to dst and deletes src
func (d *S3Device) Rename(src, dst string) error {
	srcBucket, srcKey, err := ParseObjectPath(src, d.bucket, d.prefix)
	if err != nil {
		return err
	}
	dstBucket, dstKey, err := ParseObjectPath(dst, d.bucket, d.prefix)
	if err != nil {
		return err
	}
	_, err = d.client.CopyObject(d.ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(srcBucket, srcKey)),
	})
	if err != nil {
		return backendError(err, "copy", src)
	}
	return d.Delete(src)
}

// copySource is the URL-encoded bucket/key of a CopyObject source
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// isNoSuchKey also accepts the unmodeled NoSuchKey some S3-compatible
// servers return for DeleteObject
func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}

type s3Writer struct {
	dev    *S3Device
	file   *os.File
	bucket string
	key    string
	closed bool
}

func (w *s3Writer) Write(b []byte) (int, error) {
	return w.file.Write(b)
}

func (w *s3Writer) download() error {
	out, err := w.dev.client.GetObject(w.dev.ctx, &s3.GetObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return err
	}
	defer out.Body.Close()
	_, err = io.Copy(w.file, out.Body)
	return err
}

func (w *s3Writer) discard() {
	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil {
		w.dev.log.Warn("failed to remove staging file", zap.String("file", w.file.Name()), zap.Error(err))
	}
}

// Close uploads the staged file
func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.discard()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return backendError(err, "rewind staging file for", w.key)
	}
	_, err := w.dev.uploader.Upload(w.dev.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   w.file,
	})
	if err != nil {
		return backendError(err, "upload", w.key)
	}
	return nil
}
