// Package mem provides an in-memory implementation of the smap.File
// interface, used as the backing device in tests and for throwaway maps.
package mem

import (
	"io"
	"sync"

	"github.com/dacapoday/smap"
)

// File is an in-memory byte store satisfying smap.File.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization - just declare and use:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
type File struct {
	rw   sync.RWMutex
	data []byte
}

var _ smap.File = new(File)

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return int64(len(file.data))
}

// ReadAt implements io.ReaderAt. Reading past the end of the file
// returns io.EOF after any available bytes are copied.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}

	file.rw.RLock()
	defer file.rw.RUnlock()

	if off >= int64(len(file.data)) {
		return 0, io.EOF
	}
	n = copy(p, file.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// WriteAt implements io.WriterAt. Writing past the end of the file
// grows it, filling any gap with zero bytes.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}

	file.rw.Lock()
	defer file.rw.Unlock()

	if size := off + int64(len(p)); size > int64(len(file.data)) {
		grown := make([]byte, size)
		copy(grown, file.data)
		file.data = grown
	}
	n = copy(file.data[off:], p)
	return
}

// Truncate changes the size of the file. Growing fills with zero bytes.
func (file *File) Truncate(size int64) error {
	file.rw.Lock()
	defer file.rw.Unlock()

	if size <= int64(len(file.data)) {
		file.data = file.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, file.data)
	file.data = grown
	return nil
}

// Sync is a no-op for in-memory files.
func (file *File) Sync() error {
	return nil
}

// Close discards all data. It is safe to use the file again afterwards.
func (file *File) Close() error {
	file.rw.Lock()
	file.data = nil
	file.rw.Unlock()
	return nil
}
