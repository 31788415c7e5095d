// Package ext2 reads the on-disk format of an ext2/ext3-family filesystem:
// superblock, group descriptor table, inodes, directory entries, block and
// inode bitmaps, and the indirect block tree. It never writes to the image.
package ext2

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// SuperblockOffset is the fixed byte offset of the superblock within
	// the partition, regardless of block size.
	SuperblockOffset = 1024
	// SuperblockSize is the on-disk size of the fields this package reads.
	// The structure is defined out to 1024 bytes; fields past s_reserved
	// are padding we never look at.
	SuperblockSize = 1024

	superblockMagic uint16 = 0xEF53

	// Compatible feature flags (s_feature_compat).
	FeatureCompatHasJournal uint32 = 0x0004

	// Incompatible feature flags (s_feature_incompat).
	FeatureIncompatFiletype   uint32 = 0x0002
	FeatureIncompatRecover    uint32 = 0x0004
	FeatureIncompatJournalDev uint32 = 0x0008
	FeatureIncompat64Bit     uint32 = 0x0080

	// creatorOSLinux is the only creator OS this reader accepts, per
	// spec.md's superblock validity triple (magic, creator OS, group nr).
	creatorOSLinux uint32 = 0
)

// Features is a decoded view of the three feature-flag words.
type Features struct {
	Compat   uint32
	Incompat uint32
	ROCompat uint32
}

func (f Features) HasJournal() bool   { return f.Compat&FeatureCompatHasJournal != 0 }
func (f Features) HasFiletype() bool  { return f.Incompat&FeatureIncompatFiletype != 0 }
func (f Features) NeedsRecovery() bool { return f.Incompat&FeatureIncompatRecover != 0 }
func (f Features) Is64Bit() bool      { return f.Incompat&FeatureIncompat64Bit != 0 }

// Superblock holds the immutable, superblock-derived constants spec.md §3
// calls out: block size, blocks/inodes per group, inode size, counts, and
// the journal inode number.
type Superblock struct {
	InodeCount     uint32
	BlockCount     uint64
	ReservedBlocks uint64
	FreeBlocks     uint64
	FreeInodes     uint32
	FirstDataBlock uint32
	BlockSize      uint32 // bytes, power of two, 1024..65536
	BlocksPerGroup uint32
	InodesPerGroup uint32
	MountTime      time.Time
	WriteTime      time.Time
	MountCount     uint16
	MaxMountCount  uint16
	State          uint16
	ErrorBehavior  uint16
	MinorRev       uint16
	LastCheck      time.Time
	CheckInterval  uint32
	CreatorOS      uint32
	RevLevel       uint32
	FirstInode     uint32 // first non-reserved inode
	InodeSize      uint16
	BlockGroupNr   uint16
	Features       Features
	UUID           [16]byte
	VolumeName     string
	LastMounted    string
	JournalInode   uint32
	JournalDev     uint32
	LastOrphan     uint32 // head of the in-memory orphan inode list

	// GroupCount is derived, not stored on disk.
	GroupCount uint32
}

// FromBytes parses a Superblock from exactly SuperblockSize bytes starting
// at the superblock's on-disk location (SuperblockOffset).
func FromBytes(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("superblock data too short: %d bytes, need %d", len(b), SuperblockSize)
	}

	magic := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if magic != superblockMagic {
		return nil, fmt.Errorf("bad superblock magic 0x%04x, expected 0x%04x: not an ext2/3 filesystem", magic, superblockMagic)
	}

	sb := &Superblock{
		InodeCount:     binary.LittleEndian.Uint32(b[0x0:0x4]),
		BlockCount:     uint64(binary.LittleEndian.Uint32(b[0x4:0x8])),
		ReservedBlocks: uint64(binary.LittleEndian.Uint32(b[0x8:0xc])),
		FreeBlocks:     uint64(binary.LittleEndian.Uint32(b[0xc:0x10])),
		FreeInodes:     binary.LittleEndian.Uint32(b[0x10:0x14]),
		FirstDataBlock: binary.LittleEndian.Uint32(b[0x14:0x18]),
		BlocksPerGroup: binary.LittleEndian.Uint32(b[0x20:0x24]),
		InodesPerGroup: binary.LittleEndian.Uint32(b[0x28:0x2c]),
		MountCount:     binary.LittleEndian.Uint16(b[0x34:0x36]),
		MaxMountCount:  binary.LittleEndian.Uint16(b[0x36:0x38]),
		State:          binary.LittleEndian.Uint16(b[0x3a:0x3c]),
		ErrorBehavior:  binary.LittleEndian.Uint16(b[0x3c:0x3e]),
		MinorRev:       binary.LittleEndian.Uint16(b[0x3e:0x40]),
		CheckInterval:  binary.LittleEndian.Uint32(b[0x44:0x48]),
		CreatorOS:      binary.LittleEndian.Uint32(b[0x48:0x4c]),
		RevLevel:       binary.LittleEndian.Uint32(b[0x4c:0x50]),
		FirstInode:     binary.LittleEndian.Uint32(b[0x54:0x58]),
		InodeSize:      binary.LittleEndian.Uint16(b[0x58:0x5a]),
		BlockGroupNr:   binary.LittleEndian.Uint16(b[0x5a:0x5c]),
		JournalInode:   binary.LittleEndian.Uint32(b[0xe0:0xe4]),
		JournalDev:     binary.LittleEndian.Uint32(b[0xe4:0xe8]),
		LastOrphan:     binary.LittleEndian.Uint32(b[0xe8:0xec]),
	}

	logBlockSize := binary.LittleEndian.Uint32(b[0x18:0x1c])
	sb.BlockSize = 1024 << logBlockSize

	sb.MountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0).UTC()
	sb.WriteTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0).UTC()
	sb.LastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0).UTC()

	sb.Features = Features{
		Compat:   binary.LittleEndian.Uint32(b[0x5c:0x60]),
		Incompat: binary.LittleEndian.Uint32(b[0x60:0x64]),
		ROCompat: binary.LittleEndian.Uint32(b[0x64:0x68]),
	}

	copy(sb.UUID[:], b[0x68:0x78])
	sb.VolumeName = cString(b[0x78:0x88])
	sb.LastMounted = cString(b[0x88:0xc8])

	if sb.RevLevel == 0 {
		// Revision 0 (original ext2) has no dynamic fields: every inode is
		// 128 bytes and the first non-reserved inode is fixed at 11.
		sb.InodeSize = 128
		sb.FirstInode = 11
	}

	if sb.BlockSize == 0 || sb.BlockSize&(sb.BlockSize-1) != 0 {
		return nil, fmt.Errorf("invalid block size %d: must be a power of two", sb.BlockSize)
	}
	if sb.InodeSize == 0 || sb.InodeSize&(sb.InodeSize-1) != 0 || sb.InodeSize < 128 {
		return nil, fmt.Errorf("invalid inode size %d: must be a power of two >= 128", sb.InodeSize)
	}
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 {
		return nil, fmt.Errorf("invalid superblock: zero blocks-per-group or inodes-per-group")
	}

	sb.GroupCount = uint32((sb.BlockCount + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup))

	return sb, nil
}

// Validate checks the structural invariants spec.md §6 requires before the
// rest of the engine trusts this superblock: the magic/creator-OS/group-nr
// triple, and that HAS_JOURNAL is set (an ext2 image with no journal has no
// journal evidence to mine, which is this tool's entire value proposition).
func (sb *Superblock) Validate() error {
	if sb.CreatorOS != creatorOSLinux {
		return fmt.Errorf("unsupported creator OS %d, expected Linux (0)", sb.CreatorOS)
	}
	if sb.BlockGroupNr != 0 {
		return fmt.Errorf("superblock is not the primary copy (block group %d != 0)", sb.BlockGroupNr)
	}
	if !sb.Features.HasJournal() {
		return fmt.Errorf("filesystem has no journal (HAS_JOURNAL feature not set); nothing to undelete from")
	}
	if sb.Features.Incompat&(FeatureIncompatJournalDev) != 0 {
		return fmt.Errorf("external journal devices are not supported")
	}
	if sb.Features.Is64Bit() {
		return fmt.Errorf("64-bit block numbers are not supported")
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
