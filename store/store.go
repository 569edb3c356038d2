package store

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"kstore/columnar"
	"kstore/config"
	"kstore/device"
	"kstore/iopool"
	"kstore/logger"
)

// Store owns the schema, the device and the buckets of one table
type Store struct {
	name      string
	columns   []columnar.Column
	directory string
	device    device.Device
	cfg       config.BucketConfig
	kind      Kind
	pool      *iopool.Shared
	ownsPool  bool
	log       *zap.Logger

	pageCompression columnar.CompressionType
	compressor      columnar.Compressor
	retired         []columnar.Compressor
	streamCodec     device.Codec

	mu      sync.Mutex
	buckets []Bucket
	nextID  int
}

// Option configures a Store
type Option func(*Store)

// WithPool makes the store share an existing pool holder
func WithPool(p *iopool.Shared) Option {
	return func(s *Store) {
		s.pool = p
	}
}

// WithLogger replaces the store logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New creates a store over dev. Bucket files live under directory.
func New(name string, columns []columnar.Column, directory string, dev device.Device, cfg config.BucketConfig, opts ...Option) (*Store, error) {
	if dev == nil {
		return nil, errors.New("store requires a device")
	}
	if len(columns) == 0 {
		return nil, errors.New("store requires at least one column")
	}
	if cfg.PageSize <= 0 {
		return nil, errors.Newf("page size must be positive, got %d", cfg.PageSize)
	}
	for i, c := range columns {
		if c.Type < columnar.Int8 || c.Type > columnar.Date {
			return nil, errors.Wrapf(columnar.ErrInvalidColumnType, "column %d %q", i, c.Name)
		}
	}
	if directory != "" && !strings.HasSuffix(directory, "/") {
		directory += "/"
	}

	kind := KindPage
	if cfg.Kind != "" {
		k, err := ParseKind(cfg.Kind)
		if err != nil {
			return nil, err
		}
		kind = k
	}

	pageCompression := columnar.CompressionNone
	if cfg.PageCompression != "" {
		ct, err := columnar.ParseCompressionType(cfg.PageCompression)
		if err != nil {
			return nil, err
		}
		pageCompression = ct
	}
	streamCodec := device.CodecNone
	if cfg.StreamCompression != "" {
		c, err := device.ParseCodec(cfg.StreamCompression)
		if err != nil {
			return nil, err
		}
		streamCodec = c
	}

	s := &Store{
		name:        name,
		columns:     append([]columnar.Column(nil), columns...),
		directory:   directory,
		device:      dev,
		cfg:         cfg,
		kind:        kind,
		streamCodec: streamCodec,
		log:         logger.Named("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = iopool.NewShared(cfg.PoolSize)
		s.ownsPool = true
	}
	s.log = s.log.With(zap.String("store", name))
	if err := s.setPageCompression(pageCompression); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) setPageCompression(ct columnar.CompressionType) error {
	comp, err := columnar.CreateCompressor(ct, columnar.CompressionLevel(s.cfg.CompressionLevel))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s compressor", ct)
	}
	// open sessions and scans still hold the previous compressor
	if s.compressor != nil {
		s.retired = append(s.retired, s.compressor)
	}
	s.pageCompression = ct
	s.compressor = comp
	return nil
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// Directory returns the bucket directory, ending with a slash unless empty
func (s *Store) Directory() string {
	return s.directory
}

// Device returns the storage backend
func (s *Store) Device() device.Device {
	return s.device
}

// Column returns column i
func (s *Store) Column(i int) columnar.Column {
	return s.columns[i]
}

// Columns returns a copy of the schema
func (s *Store) Columns() []columnar.Column {
	return append([]columnar.Column(nil), s.columns...)
}

func (s *Store) NumColumns() int {
	return len(s.columns)
}

// storedColumns returns the columns that are written to storage
func (s *Store) storedColumns() []int {
	var stored []int
	for i, col := range s.columns {
		if col.CodecKind() != columnar.CodecVoid {
			stored = append(stored, i)
		}
	}
	return stored
}

// OneFilePerColumn reports whether page buckets store every column in its
// own file rather than one shared file
func (s *Store) OneFilePerColumn() bool {
	return s.cfg.OneFilePerColumn
}

// PageSize returns the number of rows per page
func (s *Store) PageSize() int {
	return s.cfg.PageSize
}

// PageCompression returns the block compressor of generic pages
func (s *Store) PageCompression() columnar.CompressionType {
	return s.pageCompression
}

// Pool returns the current I/O pool
func (s *Store) Pool() *iopool.Pool {
	return s.pool.Get()
}

// ResetPool replaces the I/O pool; running tasks finish on the old one
func (s *Store) ResetPool(size int) *iopool.Pool {
	return s.pool.Reset(size)
}

// NewBucket creates an empty bucket of the configured kind
func (s *Store) NewBucket() (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := "bucket" + strconv.Itoa(s.nextID)
	s.nextID++
	b, err := s.newBucket(s.kind, path)
	if err != nil {
		return nil, err
	}
	s.buckets = append(s.buckets, b)
	s.log.Debug("bucket created", zap.String("bucket", path), zap.Stringer("kind", s.kind))
	return b, nil
}

func (s *Store) newBucket(kind Kind, path string) (Bucket, error) {
	switch kind {
	case KindPage:
		return newPageBucket(s, path), nil
	case KindStream:
		return newStreamBucket(s, path), nil
	default:
		return nil, errors.Wrapf(ErrUnknownBucketKind, "%d", kind)
	}
}

// Buckets returns the buckets in creation order
func (s *Store) Buckets() []Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bucket(nil), s.buckets...)
}

// Bucket returns the bucket stored under path
func (s *Store) Bucket(path string) (Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buckets {
		if b.Path() == path {
			return b, true
		}
	}
	return nil, false
}

// DropBucket deletes the files of b and removes it from the store
func (s *Store) DropBucket(ctx context.Context, b Bucket) error {
	if err := b.Drop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.buckets {
		if other == b {
			s.buckets = append(s.buckets[:i], s.buckets[i+1:]...)
			break
		}
	}
	return nil
}

// Close releases compressor state and shuts down a pool the store created
func (s *Store) Close() error {
	s.mu.Lock()
	for _, comp := range append(s.retired, s.compressor) {
		if c, ok := comp.(interface{ Close() }); ok {
			c.Close()
		}
	}
	s.retired = nil
	s.mu.Unlock()
	if s.ownsPool {
		s.pool.Get().Shutdown()
	}
	return nil
}
