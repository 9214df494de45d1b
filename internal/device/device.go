// Package device defines the block-I/O contract the hybrid log allocator
// pages through, plus two default implementations: a pure in-memory device
// for tests and ephemeral engines, and a file-backed device that lays the
// log out as one segment file per fixed-size chunk of address space.
//
// This mirrors the way the sharded engine in the corpus this module is
// grounded on persists itself: Save/Load reading and writing whole
// segments through a single io.Reader/io.Writer seam, generalised here to
// asynchronous, segment-addressed I/O.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Callback reports the outcome of an asynchronous I/O.
type Callback func(bytesTransferred int, err error)

// Device is the collaborator contract the hybrid log allocator uses to
// page segments in and out of memory. The allocator passes a hybrid-log
// page index as segmentID, so one segment is one page; there is no
// separate segment size setting. offset/length are relative to that
// segment.
type Device interface {
	// SectorSize is the required alignment for reads and writes.
	SectorSize() int

	// ReadAsync fills buf from segmentID at offset, calling cb when done.
	ReadAsync(segmentID uint64, offset uint64, buf []byte, cb Callback)

	// WriteAsync persists buf to segmentID at offset, calling cb when done.
	WriteAsync(segmentID uint64, offset uint64, buf []byte, cb Callback)

	// RemoveSegmentAsync deletes a segment no longer covered by
	// BeginAddress, calling cb when done.
	RemoveSegmentAsync(segmentID uint64, cb Callback)

	// Close releases any resources. Callers must ensure no in-flight I/O
	// remains outstanding before calling Close.
	Close() error
}

// MemoryDevice keeps every segment as a byte slice in a map, guarded by a
// mutex. Callbacks fire on a separately dispatched goroutine, not on the
// calling one, so callers see the same asynchronous contract a real device
// would present.
type MemoryDevice struct {
	sectorSize int

	mu       sync.Mutex
	segments map[uint64][]byte
}

// NewMemoryDevice creates a device with the given (already power-of-two)
// sector size.
func NewMemoryDevice(sectorSize int) *MemoryDevice {
	return &MemoryDevice{sectorSize: sectorSize, segments: make(map[uint64][]byte)}
}

func (d *MemoryDevice) SectorSize() int { return d.sectorSize }

func (d *MemoryDevice) segment(id uint64, minLen uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	seg := d.segments[id]
	if uint64(len(seg)) < minLen {
		grown := make([]byte, minLen)
		copy(grown, seg)
		seg = grown
		d.segments[id] = seg
	}
	return seg
}

func (d *MemoryDevice) ReadAsync(segmentID uint64, offset uint64, buf []byte, cb Callback) {
	go func() {
		d.mu.Lock()
		seg := d.segments[segmentID]
		d.mu.Unlock()

		if offset+uint64(len(buf)) > uint64(len(seg)) {
			cb(0, fmt.Errorf("device: short read at segment %d offset %d", segmentID, offset))
			return
		}
		n := copy(buf, seg[offset:offset+uint64(len(buf))])
		cb(n, nil)
	}()
}

func (d *MemoryDevice) WriteAsync(segmentID uint64, offset uint64, buf []byte, cb Callback) {
	go func() {
		seg := d.segment(segmentID, offset+uint64(len(buf)))
		n := copy(seg[offset:], buf)
		cb(n, nil)
	}()
}

func (d *MemoryDevice) RemoveSegmentAsync(segmentID uint64, cb Callback) {
	go func() {
		d.mu.Lock()
		delete(d.segments, segmentID)
		d.mu.Unlock()
		cb(0, nil)
	}()
}

func (d *MemoryDevice) Close() error { return nil }

// FileDevice stores one file per segment under dir, named "<prefix>.<id>.seg".
type FileDevice struct {
	dir        string
	prefix     string
	sectorSize int

	mu    sync.Mutex
	files map[uint64]*os.File
}

// NewFileDevice creates (if necessary) dir and returns a device that lays
// segments out as individual files inside it.
func NewFileDevice(dir, prefix string, sectorSize int) (*FileDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: creating data dir: %w", err)
	}
	return &FileDevice{dir: dir, prefix: prefix, sectorSize: sectorSize, files: make(map[uint64]*os.File)}, nil
}

func (d *FileDevice) SectorSize() int { return d.sectorSize }

func (d *FileDevice) fileFor(segmentID uint64) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if f, ok := d.files[segmentID]; ok {
		return f, nil
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s.%d.seg", d.prefix, segmentID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	d.files[segmentID] = f
	return f, nil
}

func (d *FileDevice) ReadAsync(segmentID uint64, offset uint64, buf []byte, cb Callback) {
	go func() {
		f, err := d.fileFor(segmentID)
		if err != nil {
			cb(0, err)
			return
		}
		n, err := f.ReadAt(buf, int64(offset))
		cb(n, err)
	}()
}

func (d *FileDevice) WriteAsync(segmentID uint64, offset uint64, buf []byte, cb Callback) {
	go func() {
		f, err := d.fileFor(segmentID)
		if err != nil {
			cb(0, err)
			return
		}
		n, err := f.WriteAt(buf, int64(offset))
		cb(n, err)
	}()
}

func (d *FileDevice) RemoveSegmentAsync(segmentID uint64, cb Callback) {
	go func() {
		d.mu.Lock()
		f, ok := d.files[segmentID]
		delete(d.files, segmentID)
		d.mu.Unlock()

		if ok {
			_ = f.Close()
		}
		path := filepath.Join(d.dir, fmt.Sprintf("%s.%d.seg", d.prefix, segmentID))
		cb(0, os.Remove(path))
	}()
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.files = make(map[uint64]*os.File)
	return firstErr
}
