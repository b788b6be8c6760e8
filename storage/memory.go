package storage

import (
	"bytes"
	"io"
	"os"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Memory keeps files in memory. A file written through Create only becomes
// readable once its writer is closed.
type Memory struct {
	files *cache.Cache
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		files: cache.New(cache.NoExpiration, 0),
	}
}

// Put stores data under name, replacing any existing file.
func (m *Memory) Put(name string, data []byte) {
	cpy := make([]byte, len(data))
	copy(cpy, data)
	m.files.Set(name, cpy, cache.NoExpiration)
}

// Get returns the contents of name.
func (m *Memory) Get(name string) ([]byte, bool) {
	f, found := m.files.Get(name)
	if !found {
		return nil, false
	}
	data, ok := f.([]byte)
	if !ok {
		logger.WithField("filename", name).Error("memory store holds a non-file value")
		return nil, false
	}
	return data, true
}

// Open implements Store.
func (m *Memory) Open(name string) (io.ReadCloser, error) {
	data, found := m.Get(name)
	if !found {
		return nil, errors.Wrapf(os.ErrNotExist, "open %s failed", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Create implements Store.
func (m *Memory) Create(name string) (io.WriteCloser, error) {
	return &memFile{name: name, store: m}, nil
}

type memFile struct {
	name   string
	store  *Memory
	buf    bytes.Buffer
	closed bool
}

func (f *memFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, errors.Wrapf(os.ErrClosed, "write %s failed", f.name)
	}
	return f.buf.Write(p)
}

func (f *memFile) Close() error {
	if f.closed {
		return errors.Wrapf(os.ErrClosed, "close %s failed", f.name)
	}
	f.closed = true
	f.store.files.Set(f.name, f.buf.Bytes(), cache.NoExpiration)
	logger.WithFields(logrus.Fields{
		"filename": f.name,
		"bytes":    f.buf.Len(),
	}).Debug("file is ready to be read")
	return nil
}
