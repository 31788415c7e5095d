package ext2

import (
	"encoding/binary"
	"fmt"
)

// groupDescriptorSize is the 32-bit (non-64bit-feature) group descriptor
// size. This reader rejects the 64-bit feature in Superblock.Validate, so
// every descriptor is this size.
const groupDescriptorSize = 32

// GroupDescriptor is one block group's bitmap/inode-table locations and
// free-space counters (spec.md §3 "Group descriptor").
type GroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
}

func groupDescriptorFromBytes(b []byte) GroupDescriptor {
	return GroupDescriptor{
		BlockBitmap:     binary.LittleEndian.Uint32(b[0x0:0x4]),
		InodeBitmap:     binary.LittleEndian.Uint32(b[0x4:0x8]),
		InodeTable:      binary.LittleEndian.Uint32(b[0x8:0xc]),
		FreeBlocksCount: binary.LittleEndian.Uint16(b[0xc:0xe]),
		FreeInodesCount: binary.LittleEndian.Uint16(b[0xe:0x10]),
		UsedDirsCount:   binary.LittleEndian.Uint16(b[0x10:0x12]),
	}
}

// groupDescriptorTableBlock returns the block number of the first group
// descriptor table block: the block right after the superblock's own
// block. For a 1024-byte filesystem the superblock occupies block 1 (block
// 0 holds the boot sector), so the GDT starts at block 2; for larger block
// sizes the superblock is the whole of block 0, so the GDT starts at block
// 1.
func groupDescriptorTableBlock(sb *Superblock) uint64 {
	if sb.BlockSize == 1024 {
		return 2
	}
	return 1
}

// groupDescriptorsFromBytes parses the whole group descriptor table (one
// entry per block group).
func groupDescriptorsFromBytes(b []byte, groupCount uint32) ([]GroupDescriptor, error) {
	need := int(groupCount) * groupDescriptorSize
	if len(b) < need {
		return nil, fmt.Errorf("group descriptor table too short: %d bytes, need %d for %d groups", len(b), need, groupCount)
	}
	gds := make([]GroupDescriptor, groupCount)
	for i := range gds {
		off := i * groupDescriptorSize
		gds[i] = groupDescriptorFromBytes(b[off : off+groupDescriptorSize])
	}
	return gds, nil
}
