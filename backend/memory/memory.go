// Package memory provides an in-memory backend.Storage, used by tests in
// place of a real FS or SWAP image file. It is the spiritual successor of
// the teacher's testhelper.FileImpl stub, generalized into a full
// backend.Storage so the block device, free map, inode, directory, and vm
// packages can all be exercised without touching a filesystem.
package memory

import (
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pintfs/pintfs/backend"
)

// Storage is a growable byte slice behind the backend.Storage interface.
type Storage struct {
	mu   sync.Mutex
	data []byte
	pos  int64
}

// New creates an in-memory backend pre-sized to size bytes, zero-filled.
func New(size int64) *Storage {
	return &Storage{data: make([]byte, size)}
}

var _ backend.Storage = (*Storage)(nil)

func (s *Storage) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (s *Storage) Writable() (backend.WritableFile, error) {
	return s, nil
}

func (s *Storage) Stat() (fs.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memInfo{size: int64(len(s.data))}, nil
}

func (s *Storage) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.readAtLocked(b, s.pos)
	s.pos += int64(n)
	return n, err
}

func (s *Storage) Close() error {
	return nil
}

func (s *Storage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAtLocked(p, off)
}

func (s *Storage) readAtLocked(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, os.ErrInvalid
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	var err error
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (s *Storage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off < 0 {
		return 0, os.ErrInvalid
	}
	need := off + int64(len(p))
	if need > int64(len(s.data)) {
		grown := make([]byte, need)
		copy(grown, s.data)
		s.data = grown
	}
	n := copy(s.data[off:], p)
	return n, nil
}

func (s *Storage) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch whence {
	case io.SeekStart:
		s.pos = offset
	case io.SeekCurrent:
		s.pos += offset
	case io.SeekEnd:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}

type memInfo struct {
	size int64
}

func (m memInfo) Name() string       { return "memory" }
func (m memInfo) Size() int64        { return m.size }
func (m memInfo) Mode() fs.FileMode  { return 0o600 }
func (m memInfo) ModTime() time.Time { return time.Time{} }
func (m memInfo) IsDir() bool        { return false }
func (m memInfo) Sys() any           { return nil }
