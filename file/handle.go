// Package file implements the open-file handle (component F): a seek
// cursor and a deny-write hold layered on top of a shared inode. Two
// handles on the same inode see the same bytes but keep independent
// cursors, matching how a single process can open one file twice.
package file

import (
	"sync"

	"github.com/pintfs/pintfs/inode"
)

// Handle is one open-file reference: a cursor into ino, plus whether
// this handle currently holds a deny-write lock on it.
type Handle struct {
	ino *inode.Inode

	mu     sync.Mutex
	pos    int64
	denied bool
}

// Open wraps an already-open inode in a fresh handle starting at
// offset zero. The caller transfers ownership of one inode reference to
// the returned Handle; Close releases it.
func Open(ino *inode.Inode) *Handle {
	return &Handle{ino: ino}
}

// Inode returns the inode this handle is open on.
func (h *Handle) Inode() *inode.Inode { return h.ino }

// Read fills buf from the current cursor and advances it by the number
// of bytes actually read.
func (h *Handle) Read(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.ino.ReadAt(buf, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write writes buf at the current cursor and advances it by the number
// of bytes actually written.
func (h *Handle) Write(buf []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.ino.WriteAt(buf, h.pos)
	h.pos += int64(n)
	return n, err
}

// Seek repositions the cursor. Seeking past the current length is legal;
// it becomes a sparse hole on the next write.
func (h *Handle) Seek(pos int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	h.pos = pos
}

// Tell returns the current cursor position.
func (h *Handle) Tell() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos
}

// Length returns the current file length, independent of the cursor.
func (h *Handle) Length() int64 {
	return h.ino.Length()
}

// DenyWrite blocks every writer, including this handle itself, until a
// matching AllowWrite. It is idempotent per handle: a second call on the
// same handle without an intervening AllowWrite does nothing, so each
// handle adds at most one to the inode-level count, which is what keeps
// 0 <= deny_write_count <= open_count.
func (h *Handle) DenyWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denied {
		return
	}
	h.denied = true
	h.ino.DenyWrite()
}

// AllowWrite undoes one DenyWrite held by this handle.
func (h *Handle) AllowWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.denied {
		return
	}
	h.denied = false
	h.ino.AllowWrite()
}

// Close releases this handle's reference on the backing inode, first
// dropping any deny-write hold it still carries.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.denied {
		h.ino.AllowWrite()
		h.denied = false
	}
	h.mu.Unlock()
	return h.ino.Close()
}
