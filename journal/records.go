// Package journal parses the jbd2 journal embedded in an ext3 filesystem's
// journal inode and indexes every historical copy of every metadata block
// it still holds (spec.md §4.E).
package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// BlockType identifies the kind of record a journal block holds.
type BlockType uint32

const (
	BlockTypeDescriptor   BlockType = 1
	BlockTypeCommit       BlockType = 2
	BlockTypeSuperblockV1 BlockType = 3
	BlockTypeSuperblockV2 BlockType = 4
	BlockTypeRevoke       BlockType = 5

	// Magic is the fixed big-endian magic number opening every journal
	// block header.
	Magic uint32 = 0xC03B3998
)

// Tag flags (spec.md §4.E): ESCAPE, SAME_UUID, DELETED, LAST_TAG.
const (
	TagFlagEscaped  uint16 = 0x1
	TagFlagSameUUID uint16 = 0x2
	TagFlagDeleted  uint16 = 0x4
	TagFlagLast     uint16 = 0x8
)

// header is the common 12-byte big-endian header shared by every journal
// block kind.
type header struct {
	magic     uint32
	blockType BlockType
	sequence  uint32
}

func headerFromBytes(b []byte) (header, error) {
	if len(b) < 12 {
		return header{}, fmt.Errorf("journal header: need 12 bytes, got %d", len(b))
	}
	magic := binary.BigEndian.Uint32(b[0x0:0x4])
	if magic != Magic {
		return header{}, fmt.Errorf("bad journal magic 0x%08x, expected 0x%08x", magic, Magic)
	}
	return header{
		magic:     magic,
		blockType: BlockType(binary.BigEndian.Uint32(b[0x4:0x8])),
		sequence:  binary.BigEndian.Uint32(b[0x8:0xc]),
	}, nil
}

// Superblock is the jbd2 journal's own superblock (v1 or v2), describing
// the circular buffer's geometry: spec.md's `s_first`/`s_maxlen`.
type Superblock struct {
	Sequence uint32
	First    uint32 // first block usable for transaction data, 1-based within journal
	MaxLen   uint32 // total blocks in the journal, including this superblock
	Start    uint32 // start of the first uncommitted transaction, 0 if clean

	IncompatFeatures uint32
	UUID             uuid.UUID
}

const superblockSize = 1024

// SuperblockFromBytes parses the journal's own superblock, stored in the
// first block of the journal inode.
func SuperblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) < superblockSize {
		return nil, fmt.Errorf("journal superblock: need %d bytes, got %d", superblockSize, len(b))
	}
	h, err := headerFromBytes(b[0x0:0xc])
	if err != nil {
		return nil, fmt.Errorf("journal superblock: %w", err)
	}
	if h.blockType != BlockTypeSuperblockV1 && h.blockType != BlockTypeSuperblockV2 {
		return nil, fmt.Errorf("journal superblock: expected block type 3 or 4, got %d", h.blockType)
	}

	sb := &Superblock{
		MaxLen:   binary.BigEndian.Uint32(b[0x10:0x14]),
		First:    binary.BigEndian.Uint32(b[0x14:0x18]),
		Sequence: binary.BigEndian.Uint32(b[0x18:0x1c]),
		Start:    binary.BigEndian.Uint32(b[0x1c:0x20]),
	}
	if h.blockType == BlockTypeSuperblockV2 {
		sb.IncompatFeatures = binary.BigEndian.Uint32(b[0x28:0x2c])
		id, err := uuid.FromBytes(b[0x30:0x40])
		if err == nil {
			sb.UUID = id
		}
	}
	return sb, nil
}

const feature64Bit uint32 = 0x2

// uses64BitBlockNumbers reports whether block tags in this journal carry a
// 32-bit high word. When it is set, descriptor tags and revoke entries are
// read at their wider size so the walk stays aligned, and only the low 32
// bits of each block number are kept (64-bit block numbers are a Non-goal,
// spec.md §1).
func (sb *Superblock) uses64BitBlockNumbers() bool {
	return sb != nil && sb.IncompatFeatures&feature64Bit != 0
}

// Tag is one entry in a descriptor block: the journal block immediately
// following the descriptor is a verbatim (or escaped) copy of fs_block as
// of this transaction.
type Tag struct {
	FSBlock uint32
	Flags   uint16
}

func (t Tag) Escaped() bool  { return t.Flags&TagFlagEscaped != 0 }
func (t Tag) Deleted() bool  { return t.Flags&TagFlagDeleted != 0 }
func (t Tag) lastTag() bool  { return t.Flags&TagFlagLast != 0 }
func (t Tag) sameUUID() bool { return t.Flags&TagFlagSameUUID != 0 }

// DescriptorBlock is a parsed descriptor record: a sequence of tags naming
// the filesystem blocks whose copies occupy the journal blocks that follow.
type DescriptorBlock struct {
	Sequence uint32
	Tags     []Tag
}

// descriptorBlockFromBytes parses every tag in a descriptor block. It stops
// at the first tag carrying TagFlagLast, or when the buffer runs out of
// room for a whole tag, whichever comes first.
func descriptorBlockFromBytes(b []byte, sb *Superblock) (*DescriptorBlock, error) {
	h, err := headerFromBytes(b[0x0:0xc])
	if err != nil {
		return nil, fmt.Errorf("descriptor block: %w", err)
	}
	if h.blockType != BlockTypeDescriptor {
		return nil, fmt.Errorf("descriptor block: expected block type 1, got %d", h.blockType)
	}

	d := &DescriptorBlock{Sequence: h.sequence}
	offset := 12
	for offset+16 <= len(b) {
		blockNrLower := binary.BigEndian.Uint32(b[offset : offset+4])
		flags := uint16(binary.BigEndian.Uint32(b[offset+4 : offset+8]))
		tagLen := 8

		if sb.uses64BitBlockNumbers() {
			tagLen += 4
		}
		tagLen += 4 // checksum word, always present in this reader's supported journals
		if flags&TagFlagSameUUID == 0 {
			tagLen += 16
		}
		if offset+tagLen > len(b) {
			break
		}

		d.Tags = append(d.Tags, Tag{FSBlock: blockNrLower, Flags: flags})
		offset += tagLen
		if flags&TagFlagLast != 0 {
			break
		}
	}
	return d, nil
}

// CommitBlock terminates a transaction.
type CommitBlock struct {
	Sequence uint32
}

func commitBlockFromBytes(b []byte) (*CommitBlock, error) {
	h, err := headerFromBytes(b[0x0:0xc])
	if err != nil {
		return nil, fmt.Errorf("commit block: %w", err)
	}
	if h.blockType != BlockTypeCommit {
		return nil, fmt.Errorf("commit block: expected block type 2, got %d", h.blockType)
	}
	return &CommitBlock{Sequence: h.sequence}, nil
}

// RevokeBlock lists filesystem blocks whose journal copies at or below
// this record's sequence must never be replayed: they were freed (and
// possibly reallocated and overwritten) after being journaled.
type RevokeBlock struct {
	Sequence uint32
	Blocks   []uint32
}

func revokeBlockFromBytes(b []byte, sb *Superblock) (*RevokeBlock, error) {
	h, err := headerFromBytes(b[0x0:0xc])
	if err != nil {
		return nil, fmt.Errorf("revoke block: %w", err)
	}
	if h.blockType != BlockTypeRevoke {
		return nil, fmt.Errorf("revoke block: expected block type 5, got %d", h.blockType)
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("revoke block: too short for count field")
	}
	count := binary.BigEndian.Uint32(b[0xc:0x10])

	entrySize := uint32(4)
	if sb.uses64BitBlockNumbers() {
		entrySize = 8
	}
	if count < 16 {
		return &RevokeBlock{Sequence: h.sequence}, nil
	}
	n := (count - 16) / entrySize

	r := &RevokeBlock{Sequence: h.sequence}
	offset := 16
	for i := uint32(0); i < n && offset+int(entrySize) <= len(b); i++ {
		if entrySize == 8 {
			r.Blocks = append(r.Blocks, uint32(binary.BigEndian.Uint64(b[offset:offset+8])))
		} else {
			r.Blocks = append(r.Blocks, binary.BigEndian.Uint32(b[offset:offset+4]))
		}
		offset += int(entrySize)
	}
	return r, nil
}

// classify identifies what kind of journal block b is without committing
// to a full parse, by peeking at the header's block type.
func classify(b []byte) (BlockType, error) {
	h, err := headerFromBytes(b[0x0:0xc])
	if err != nil {
		return 0, err
	}
	return h.blockType, nil
}
