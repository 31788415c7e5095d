package ext2

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// inodeTableCache is the bounded LRU of page-aligned mmap'd inode table
// segments spec.md §9's redesign note calls for, replacing the teacher's
// per-group refcounted mmap with a single cache shared across all groups.
// Inode reads are random and repeated (journal replay revisits the same
// inode many times across transactions), so keeping a handful of recently
// used group inode tables mapped avoids re-reading them from the backend on
// every lookup while still bounding memory on large images.
type inodeTableCache struct {
	img      *Image
	capacity int
	order    []uint32 // most-recently-used at the end
	entries  map[uint32]*mappedSegment
}

type mappedSegment struct {
	data []byte
}

func newInodeTableCache(img *Image, capacity int) *inodeTableCache {
	return &inodeTableCache{
		img:      img,
		capacity: capacity,
		entries:  make(map[uint32]*mappedSegment),
	}
}

func (c *inodeTableCache) closeAll() {
	for g, seg := range c.entries {
		_ = unix.Munmap(seg.data)
		delete(c.entries, g)
	}
	c.order = nil
}

// segment returns the mapped bytes for a group's inode table, mapping it
// (and evicting the least-recently-used entry if the cache is full) on a
// miss.
func (c *inodeTableCache) segment(group uint32) ([]byte, error) {
	if seg, ok := c.entries[group]; ok {
		c.touch(group)
		return seg.data, nil
	}

	sb := c.img.Superblock
	gd := c.img.Groups[group]
	size := int(sb.InodesPerGroup) * int(sb.InodeSize)
	offset := int64(gd.InodeTable) * int64(sb.BlockSize)

	f, err := c.img.storage.Sys()
	if err != nil {
		// Backing storage is not a real *os.File (e.g. an in-memory fake
		// used by tests): fall back to a plain read, uncached.
		return c.img.ReadAt(offset, size)
	}

	data, err := mmapInodeTable(f, offset, size)
	if err != nil {
		return c.img.ReadAt(offset, size)
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.entries[oldest]; ok {
			_ = unix.Munmap(old.data)
			delete(c.entries, oldest)
		}
	}
	c.entries[group] = &mappedSegment{data: data}
	c.order = append(c.order, group)
	return data, nil
}

func (c *inodeTableCache) touch(group uint32) {
	for i, g := range c.order {
		if g == group {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, group)
}

// mmapInodeTable maps the given byte range read-only, rounding the offset
// down to the nearest page boundary as mmap requires and slicing the
// returned mapping back to the caller's requested window.
func mmapInodeTable(f *os.File, offset int64, length int) ([]byte, error) {
	pageSize := int64(os.Getpagesize())
	aligned := offset - offset%pageSize
	pad := int(offset - aligned)

	mapping, err := unix.Mmap(int(f.Fd()), aligned, length+pad, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap inode table at offset %d: %w", offset, err)
	}
	return mapping[pad : pad+length], nil
}

// ReadInode reads and parses one inode by 1-based inode number.
func (img *Image) ReadInode(number uint32) (*Inode, error) {
	sb := img.Superblock
	if number == 0 || number > sb.InodeCount {
		return nil, fmt.Errorf("inode number %d out of range [1, %d]", number, sb.InodeCount)
	}
	group := (number - 1) / sb.InodesPerGroup
	indexInGroup := (number - 1) % sb.InodesPerGroup

	table, err := img.inodeTables.segment(group)
	if err != nil {
		return nil, fmt.Errorf("mapping inode table for group %d: %w", group, err)
	}

	off := int(indexInGroup) * int(sb.InodeSize)
	if off+int(sb.InodeSize) > len(table) {
		return nil, fmt.Errorf("inode %d: table segment too short", number)
	}
	return inodeFromBytes(table[off:off+int(sb.InodeSize)], number)
}
