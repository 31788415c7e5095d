package ext2

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Kind is the filesystem-object kind encoded in the top 4 bits of an
// inode's mode field (spec.md §3).
type Kind uint16

const (
	KindFIFO      Kind = 0x1
	KindCharDev   Kind = 0x2
	KindDirectory Kind = 0x4
	KindBlockDev  Kind = 0x6
	KindRegular   Kind = 0x8
	KindSymlink   Kind = 0xA
	KindSocket    Kind = 0xC
)

const (
	inodeSizeRev0 = 128

	// maxInlineSymlinkLen is the largest symlink target that fits inside
	// the 60 bytes normally used for the 15 block pointers.
	maxInlineSymlinkLen = 60

	directPointers = 12
)

// Inode is the 128-byte (or larger, per superblock inode size) fixed
// inode record (spec.md §3).
type Inode struct {
	Number      uint32
	Mode        uint16
	UID         uint32
	GID         uint32
	Size        uint64
	AccessTime  time.Time
	ChangeTime  time.Time
	ModifyTime  time.Time
	DeletionTime uint32
	LinksCount  uint16
	Sectors     uint32
	Flags       uint32
	Generation  uint32
	FileACL     uint32
	FragAddr    uint32

	// Block holds the 15 block pointers (12 direct, single/double/triple
	// indirect) for every inode kind except an inline symlink, in which
	// case these bytes are reinterpreted as the NUL-padded link target.
	Block [15]uint32

	// rawBlock is the 60 raw bytes backing Block, kept around so inline
	// symlink targets can be recovered byte-for-byte.
	rawBlock [60]byte
}

// Kind returns the object kind encoded in the inode's mode.
func (i *Inode) Kind() Kind { return Kind((i.Mode >> 12) & 0xF) }

// Permissions returns the low 12 bits of mode (the classic rwxrwxrwx +
// setuid/setgid/sticky bits), suitable for os.FileMode construction by a
// caller.
func (i *Inode) Permissions() uint16 { return i.Mode & 0xFFF }

// IsInlineSymlink reports whether this is a symlink short enough that its
// target lives in place of the block pointers (spec.md §3 invariant: a
// symlink of length <= 60 stores the target bytes in place of the 15 block
// pointers, and its sector count is 0).
func (i *Inode) IsInlineSymlink() bool {
	return i.Kind() == KindSymlink && i.Size <= maxInlineSymlinkLen
}

// SymlinkTarget returns the inline target text. Only valid when
// IsInlineSymlink is true; the caller is responsible for reading the first
// data block when it is not.
func (i *Inode) SymlinkTarget() string {
	n := i.Size
	if n > maxInlineSymlinkLen {
		n = maxInlineSymlinkLen
	}
	return string(i.rawBlock[:n])
}

// IsDeleted implements spec.md §3's deleted predicate: links_count=0 and
// mode != 0 and (first block pointer is zero OR kind is neither regular
// nor directory).
func (i *Inode) IsDeleted() bool {
	if i.LinksCount != 0 || i.Mode == 0 {
		return false
	}
	k := i.Kind()
	return i.Block[0] == 0 || (k != KindRegular && k != KindDirectory)
}

// IsOrphan implements spec.md §3's orphan predicate: links_count=0,
// atime != 0, and dtime <= min(atime, inodeCount). In that state dtime is
// reused as a next-orphan pointer rather than a deletion time. The
// original ext3.h uses a strict dtime < atime comparison; using <= here
// follows spec.md's wording and only differs from it at dtime == atime.
func (i *Inode) IsOrphan(inodeCount uint32) bool {
	if i.LinksCount != 0 {
		return false
	}
	atime := uint32(i.AccessTime.Unix())
	if atime == 0 {
		return false
	}
	limit := atime
	if inodeCount < limit {
		limit = inodeCount
	}
	return i.DeletionTime <= limit
}

// HasValidDtime implements spec.md §3: dtime != 0 and the inode is not an
// orphan (in which case dtime means something else entirely).
func (i *Inode) HasValidDtime(inodeCount uint32) bool {
	return i.DeletionTime != 0 && !i.IsOrphan(inodeCount)
}

// NextOrphan returns the dtime field reinterpreted as the next inode
// number in the orphan chain. Only meaningful when IsOrphan is true.
func (i *Inode) NextOrphan() uint32 { return i.DeletionTime }

// inodeFromBytes parses an Inode from the raw on-disk record. b must be at
// least 128 bytes; bytes past that (up to the superblock's inode size) are
// the ext3 "extra" area we don't currently need beyond the 128-byte
// prefix.
func inodeFromBytes(b []byte, number uint32) (*Inode, error) {
	if len(b) < inodeSizeRev0 {
		return nil, fmt.Errorf("inode %d: record too short: %d bytes, need >= %d", number, len(b), inodeSizeRev0)
	}

	mode := binary.LittleEndian.Uint16(b[0x0:0x2])
	uidLow := binary.LittleEndian.Uint16(b[0x2:0x4])
	sizeLow := binary.LittleEndian.Uint32(b[0x4:0x8])
	atime := binary.LittleEndian.Uint32(b[0x8:0xc])
	ctime := binary.LittleEndian.Uint32(b[0xc:0x10])
	mtime := binary.LittleEndian.Uint32(b[0x10:0x14])
	dtime := binary.LittleEndian.Uint32(b[0x14:0x18])
	gidLow := binary.LittleEndian.Uint16(b[0x18:0x1a])
	linksCount := binary.LittleEndian.Uint16(b[0x1a:0x1c])
	sectors := binary.LittleEndian.Uint32(b[0x1c:0x20])
	flags := binary.LittleEndian.Uint32(b[0x20:0x24])
	// 0x24:0x28 is the Linux1/Hurd1/Masix1 OS-dependent reserved word.

	var rawBlock [60]byte
	copy(rawBlock[:], b[0x28:0x64])

	generation := binary.LittleEndian.Uint32(b[0x64:0x68])
	fileACL := binary.LittleEndian.Uint32(b[0x68:0x6c])
	dirACLOrSizeHigh := binary.LittleEndian.Uint32(b[0x6c:0x70])
	fragAddr := binary.LittleEndian.Uint32(b[0x70:0x74])
	uidHigh := binary.LittleEndian.Uint16(b[0x74:0x76])
	gidHigh := binary.LittleEndian.Uint16(b[0x76:0x78])

	i := &Inode{
		Number:       number,
		Mode:         mode,
		UID:          uint32(uidHigh)<<16 | uint32(uidLow),
		GID:          uint32(gidHigh)<<16 | uint32(gidLow),
		DeletionTime: dtime,
		LinksCount:   linksCount,
		Sectors:      sectors,
		Flags:        flags,
		Generation:   generation,
		FileACL:      fileACL,
		FragAddr:     fragAddr,
		rawBlock:     rawBlock,
	}
	i.AccessTime = time.Unix(int64(int32(atime)), 0).UTC()
	i.ChangeTime = time.Unix(int64(int32(ctime)), 0).UTC()
	i.ModifyTime = time.Unix(int64(int32(mtime)), 0).UTC()

	// Regular files get a 64-bit size by combining dir_acl as the high
	// 32 bits (spec.md §3: "size (32-bit with a large-file extension via
	// dir_acl for regular files)"). Directories and other kinds keep
	// dir_acl as the ACL block pointer it otherwise is.
	size := uint64(sizeLow)
	if Kind((mode>>12)&0xF) == KindRegular {
		size |= uint64(dirACLOrSizeHigh) << 32
	}
	i.Size = size

	for n := 0; n < 15; n++ {
		i.Block[n] = binary.LittleEndian.Uint32(rawBlock[n*4 : n*4+4])
	}

	return i, nil
}

// InodeFromBytes parses an inode from a raw on-disk record. Exposed for the
// journal package, which parses historical inode copies out of journaled
// inode-table blocks rather than the live table.
func InodeFromBytes(b []byte, number uint32) (*Inode, error) {
	return inodeFromBytes(b, number)
}

// DirectBlocks returns the 12 direct block pointers.
func (i *Inode) DirectBlocks() [directPointers]uint32 {
	var d [directPointers]uint32
	copy(d[:], i.Block[:directPointers])
	return d
}

// SingleIndirect, DoubleIndirect, and TripleIndirect return the block
// numbers of the corresponding indirect pointer blocks (0 if unused).
func (i *Inode) SingleIndirect() uint32 { return i.Block[12] }
func (i *Inode) DoubleIndirect() uint32 { return i.Block[13] }
func (i *Inode) TripleIndirect() uint32 { return i.Block[14] }
