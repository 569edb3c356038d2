package device

import (
	"io"
	"os"
	"path"

	"github.com/spf13/afero"
)

// FSDevice stores files on an afero filesystem
type FSDevice struct {
	fs afero.Fs
}

// NewFS creates a device over fs
func NewFS(fs afero.Fs) *FSDevice {
	return &FSDevice{fs: fs}
}

// NewLocal creates a device over the OS filesystem rooted at root
func NewLocal(root string) *FSDevice {
	var fs afero.Fs = afero.NewOsFs()
	if root != "" && root != "." {
		fs = afero.NewBasePathFs(fs, root)
	}
	return NewFS(fs)
}

// NewMemory creates a device holding everything in memory
func NewMemory() *FSDevice {
	return NewFS(afero.NewMemMapFs())
}

// Fs returns the underlying filesystem
func (d *FSDevice) Fs() afero.Fs {
	return d.fs
}

func (d *FSDevice) Open(p string, codec Codec) (io.ReadCloser, error) {
	return open(d, p, codec)
}

func (d *FSDevice) Create(p string, codec Codec, append bool) (io.WriteCloser, error) {
	return create(d, p, codec, append)
}

// InputStream returns the file; it implements io.Seeker
func (d *FSDevice) InputStream(p string) (io.ReadCloser, error) {
	f, err := d.fs.Open(p)
	if err != nil {
		return nil, backendError(err, "open", p)
	}
	return f, nil
}

func (d *FSDevice) OutputStream(p string, append bool) (io.WriteCloser, error) {
	if err := d.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return nil, backendError(err, "create directory for", p)
	}
	flag := os.O_CREATE | os.O_WRONLY
	if append {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := d.fs.OpenFile(p, flag, 0644)
	if err != nil {
		return nil, backendError(err, "create", p)
	}
	return f, nil
}

func (d *FSDevice) Delete(p string) error {
	if err := d.fs.RemoveAll(p); err != nil && !os.IsNotExist(err) {
		return backendError(err, "delete", p)
	}
	return nil
}

func (d *FSDevice) Rename(src, dst string) error {
	if err := d.fs.MkdirAll(path.Dir(dst), 0755); err != nil {
		return backendError(err, "create directory for", dst)
	}
	if err := d.fs.Rename(src, dst); err != nil {
		return backendError(err, "rename", src)
	}
	return nil
}
