package metadata

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// intColumnGrow is the number of additional u32 slots an intColumn grows by
// once an index falls past its current size, mirroring RecordFile's
// chunked-growth strategy so side columns don't re-mmap on every write.
const intColumnGrow = 4096

// intColumn is an auto-growing, memory-mapped array of u32 values, used for
// the Metadata Store's three side columns (rank by date, thread id, mtime).
// It holds no header of its own; the file is just a flat array of
// little-endian u32 words, one per Metadata index.
type intColumn struct {
	path string
	file *os.File
	data mmap.MMap
	size int // number of u32 slots currently backed by the file
}

func openIntColumn(path string, minSize int) (*intColumn, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("metadata: open column %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := int(info.Size() / 4)
	if size < minSize {
		size = minSize
	}
	if size == 0 {
		size = intColumnGrow
	}
	if err := f.Truncate(int64(size) * 4); err != nil {
		f.Close()
		return nil, fmt.Errorf("metadata: truncate column %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("metadata: mmap column %s: %w", path, err)
	}

	return &intColumn{path: path, file: f, data: m, size: size}, nil
}

// Get returns the value at i, or 0 if i is past the column's current size
// (equivalent to an implicit zero-fill — columns grow lazily on Set, not on
// Get, so reading an index nothing has written yet is well-defined).
func (c *intColumn) Get(i int) uint32 {
	if i < 0 || i >= c.size {
		return 0
	}
	return binary.LittleEndian.Uint32(c.data[i*4 : i*4+4])
}

// Set stores value at i, growing the backing file if needed.
func (c *intColumn) Set(i int, value uint32) error {
	if i < 0 {
		return fmt.Errorf("metadata: negative column index %d", i)
	}
	if i >= c.size {
		if err := c.grow(i + 1); err != nil {
			return err
		}
	}
	binary.LittleEndian.PutUint32(c.data[i*4:i*4+4], value)
	return nil
}

func (c *intColumn) grow(minSize int) error {
	newSize := c.size
	for newSize < minSize {
		newSize += intColumnGrow
	}
	if err := c.data.Unmap(); err != nil {
		return fmt.Errorf("metadata: unmap column %s for grow: %w", c.path, err)
	}
	if err := c.file.Truncate(int64(newSize) * 4); err != nil {
		return fmt.Errorf("metadata: truncate column %s for grow: %w", c.path, err)
	}
	m, err := mmap.Map(c.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("metadata: remap column %s after grow: %w", c.path, err)
	}
	c.data = m
	c.size = newSize
	return nil
}

// Size returns the number of slots currently backed by the file (an upper
// bound on valid indices, not a "logical length" — unwritten slots read 0).
func (c *intColumn) Size() int { return c.size }

func (c *intColumn) Close() error {
	var firstErr error
	if err := c.data.Flush(); err != nil {
		firstErr = err
	}
	if err := c.data.Unmap(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
