package ext2

import (
	"fmt"

	"github.com/ext3grep/ext3grep-go/util/bitmap"
)

// groupMetadata holds one block group's lazily-loaded block and inode
// bitmaps (spec.md §4.B: "load_group(g): reads and caches group g's block
// and inode bitmaps").
type groupMetadata struct {
	blockBitmap *bitmap.Bitmap
	inodeBitmap *bitmap.Bitmap
}

// MetadataLoader is the Metadata Loader (spec.md §4.B): per-group bitmap
// caching plus the block-number/inode-number <-> group arithmetic every
// other component needs.
type MetadataLoader struct {
	img    *Image
	groups []*groupMetadata
}

// NewMetadataLoader wraps an already-superblock-loaded Image.
func NewMetadataLoader(img *Image) *MetadataLoader {
	return &MetadataLoader{
		img:    img,
		groups: make([]*groupMetadata, img.Superblock.GroupCount),
	}
}

func (m *MetadataLoader) loadGroup(g uint32) (*groupMetadata, error) {
	if int(g) >= len(m.groups) {
		return nil, fmt.Errorf("group %d out of range (have %d groups)", g, len(m.groups))
	}
	if m.groups[g] != nil {
		return m.groups[g], nil
	}

	sb := m.img.Superblock
	gd := m.img.Groups[g]

	blockBits := groupBlockCount(sb, g)
	rawBlockBitmap, err := m.img.ReadBlock(gd.BlockBitmap)
	if err != nil {
		return nil, fmt.Errorf("reading block bitmap for group %d: %w", g, err)
	}
	bbm := bitmap.FromBytes(rawBlockBitmap[:bytesForBits(int(blockBits))])

	rawInodeBitmap, err := m.img.ReadBlock(gd.InodeBitmap)
	if err != nil {
		return nil, fmt.Errorf("reading inode bitmap for group %d: %w", g, err)
	}
	ibm := bitmap.FromBytes(rawInodeBitmap[:bytesForBits(int(sb.InodesPerGroup))])

	meta := &groupMetadata{blockBitmap: bbm, inodeBitmap: ibm}
	m.groups[g] = meta
	return meta, nil
}

func bytesForBits(n int) int { return (n + 7) / 8 }

// groupBlockCount is the number of blocks belonging to group g: every group
// but the last is full-sized; the last holds whatever remains.
func groupBlockCount(sb *Superblock, g uint32) uint64 {
	if g+1 < sb.GroupCount {
		return uint64(sb.BlocksPerGroup)
	}
	total := sb.BlockCount - uint64(sb.FirstDataBlock)
	return total - uint64(sb.BlocksPerGroup)*uint64(sb.GroupCount-1)
}

// BlockGroup returns the block group a given block number belongs to.
func (img *Image) BlockGroup(blocknr uint32) uint32 {
	sb := img.Superblock
	return (blocknr - sb.FirstDataBlock) / sb.BlocksPerGroup
}

// InodeGroup returns the block group a given (1-based) inode number belongs
// to, along with its zero-based index within that group.
func (img *Image) InodeGroup(number uint32) (group uint32, indexInGroup uint32) {
	sb := img.Superblock
	group = (number - 1) / sb.InodesPerGroup
	indexInGroup = (number - 1) % sb.InodesPerGroup
	return
}

// IsAllocatedBlock reports whether a block is marked used in its group's
// block bitmap (spec.md §4.B: is_allocated_block(b)).
func (m *MetadataLoader) IsAllocatedBlock(blocknr uint32) (bool, error) {
	sb := m.img.Superblock
	if blocknr < sb.FirstDataBlock || uint64(blocknr) >= sb.BlockCount {
		return false, fmt.Errorf("block %d out of range", blocknr)
	}
	g := m.img.BlockGroup(blocknr)
	meta, err := m.loadGroup(g)
	if err != nil {
		return false, err
	}
	indexInGroup := (blocknr - sb.FirstDataBlock) - g*sb.BlocksPerGroup
	return bitSet(meta.blockBitmap, int(indexInGroup)), nil
}

// IsAllocatedInode reports whether an inode is marked used in its group's
// inode bitmap (spec.md §4.B: is_allocated_inode(i)).
func (m *MetadataLoader) IsAllocatedInode(number uint32) (bool, error) {
	sb := m.img.Superblock
	if number == 0 || number > sb.InodeCount {
		return false, fmt.Errorf("inode %d out of range", number)
	}
	g, indexInGroup := m.img.InodeGroup(number)
	meta, err := m.loadGroup(g)
	if err != nil {
		return false, err
	}
	return bitSet(meta.inodeBitmap, int(indexInGroup)), nil
}
