package journal

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/sirupsen/logrus"
)

// TagRef is one journal descriptor tag, resolved to the filesystem block it
// names and the fs block that physically holds the copy (spec.md §4.E).
type TagRef struct {
	JournalBlock uint32 // fs block number holding the copy (follows the descriptor)
	FSBlock      uint32 // fs block number the copy is a copy *of*
	Sequence     uint32
	Flags        uint16
}

func (t TagRef) Deleted() bool { return t.Flags&TagFlagDeleted != 0 }

// Transaction groups every descriptor tag sharing a sequence number, plus
// whether a matching commit record was found after them.
type Transaction struct {
	Sequence  uint32
	Committed bool
	Tags      []TagRef
}

// Analyzer is the Journal Analyzer (spec.md §4.E): it walks the journal
// inode's block tree once, classifies every journal block, and builds the
// indices the rest of the engine queries by filesystem block number.
type Analyzer struct {
	fs           *ext2.FileSystem
	journalSB    *Superblock
	logicalToFS  map[uint32]uint32 // logical journal block index -> fs block
	indirectFS   map[uint32]bool   // fs blocks that are indirect pointer blocks of the journal
	MinBlock     uint32
	MaxBlock     uint32 // exclusive
	Wrapped      bool
	WrappedSeq   uint32

	Transactions []*Transaction
	Revokes      []*RevokeBlock

	blockToDescriptors         map[uint32][]TagRef
	blockInJournalToDescriptor map[uint32]TagRef
	blockToDirInode            map[uint32]uint32
}

// Analyze opens the journal inode, bounds its block range, and performs the
// full scan described in spec.md §4.E. journalInode must already have been
// read by the caller (usually fs.Image.ReadInode(fs.Superblock().JournalInode)).
func Analyze(fs *ext2.FileSystem, journalInode *ext2.Inode) (*Analyzer, error) {
	a := &Analyzer{
		fs:                         fs,
		logicalToFS:                make(map[uint32]uint32),
		indirectFS:                 make(map[uint32]bool),
		blockToDescriptors:         make(map[uint32][]TagRef),
		blockInJournalToDescriptor: make(map[uint32]TagRef),
		blockToDirInode:            make(map[uint32]uint32),
	}

	if err := a.buildBlockMap(journalInode); err != nil {
		return nil, fmt.Errorf("walking journal inode block tree: %w", err)
	}

	sbBuf, err := a.readLogical(0)
	if err != nil {
		return nil, fmt.Errorf("reading journal superblock: %w", err)
	}
	journalSB, err := SuperblockFromBytes(sbBuf)
	if err != nil {
		return nil, fmt.Errorf("parsing journal superblock: %w", err)
	}
	a.journalSB = journalSB

	allTags, err := a.scan(journalSB)
	if err != nil {
		return nil, err
	}

	a.index(allTags)
	if err := a.buildDirInodeIndex(allTags); err != nil {
		return nil, fmt.Errorf("building block_to_dir_inode: %w", err)
	}

	return a, nil
}

// buildBlockMap walks the journal inode's block tree (spec.md §4.E step 1),
// recording the logical->fs mapping for data blocks and the set of fs
// blocks that are indirect pointer blocks, and deriving [MinBlock,MaxBlock).
func (a *Analyzer) buildBlockMap(journalInode *ext2.Inode) error {
	w := a.fs.Indirect()
	min, max := ^uint32(0), uint32(0)

	_, err := w.ForEachBlock(journalInode, ext2.WithData|ext2.WithIndirect, func(blockNr uint32, logical int64) error {
		if logical >= 0 {
			a.logicalToFS[uint32(logical)] = blockNr
		} else {
			a.indirectFS[blockNr] = true
		}
		if blockNr < min {
			min = blockNr
		}
		if blockNr+1 > max {
			max = blockNr + 1
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.MinBlock, a.MaxBlock = min, max
	return nil
}

func (a *Analyzer) readLogical(logical uint32) ([]byte, error) {
	fsBlock, ok := a.logicalToFS[logical]
	if !ok {
		return nil, fmt.Errorf("logical journal block %d has no backing fs block", logical)
	}
	return a.fs.Image.ReadBlock(fsBlock)
}

// scan performs spec.md §4.E steps 2-4: walk the circular journal starting
// at s_first, classifying blocks and collecting tags, until a full circuit
// completes, a wrap interrupts a descriptor's data run, or an unreadable
// header is hit (the boundary of ever-used journal space).
func (a *Analyzer) scan(sb *Superblock) ([]TagRef, error) {
	var allTags []TagRef
	if sb.MaxLen == 0 {
		return allTags, nil
	}

	cursor := sb.First
	start := cursor
	firstIteration := true

	for firstIteration || cursor != start {
		firstIteration = false

		buf, err := a.readLogical(cursor)
		if err != nil {
			break
		}
		bt, err := classify(buf)
		if err != nil {
			// Stale, never-written journal slot: the natural end of
			// ever-used journal space on a filesystem that hasn't wrapped
			// its whole circular buffer yet.
			break
		}

		switch bt {
		case BlockTypeDescriptor:
			d, err := descriptorBlockFromBytes(buf, sb)
			if err != nil {
				logrus.WithError(err).WithField("logical", cursor).Warn("journal: skipping malformed descriptor block")
				cursor = advance(cursor, sb)
				continue
			}

			dataCursor := advance(cursor, sb)
			tags := make([]TagRef, 0, len(d.Tags))
			wrappedMidChain := false
			for _, tag := range d.Tags {
				fsBlock, ok := a.logicalToFS[dataCursor]
				if !ok || (dataCursor == sb.First && len(tags) > 0) {
					wrappedMidChain = true
					break
				}
				tags = append(tags, TagRef{
					JournalBlock: fsBlock,
					FSBlock:      tag.FSBlock,
					Sequence:     d.Sequence,
					Flags:        tag.Flags,
				})
				dataCursor = advance(dataCursor, sb)
			}

			if wrappedMidChain {
				a.Wrapped = true
				a.WrappedSeq = d.Sequence
				return allTags, nil
			}

			allTags = append(allTags, tags...)
			a.Transactions = append(a.Transactions, &Transaction{Sequence: d.Sequence, Tags: tags})
			cursor = dataCursor

		case BlockTypeCommit:
			c, err := commitBlockFromBytes(buf)
			if err != nil {
				cursor = advance(cursor, sb)
				continue
			}
			for _, t := range a.Transactions {
				if t.Sequence == c.Sequence {
					t.Committed = true
				}
			}
			cursor = advance(cursor, sb)

		case BlockTypeRevoke:
			r, err := revokeBlockFromBytes(buf, sb)
			if err != nil {
				cursor = advance(cursor, sb)
				continue
			}
			a.Revokes = append(a.Revokes, r)
			cursor = advance(cursor, sb)

		default:
			// Superblock block type mid-stream means we've looped back
			// onto block 0's copy or hit an unexpected record; stop.
			return allTags, nil
		}
	}

	return allTags, nil
}

// advance moves a logical journal cursor forward by one block, wrapping
// from MaxLen back to First (block 0 is the journal's own superblock and is
// never part of the transaction data area).
func advance(cursor uint32, sb *Superblock) uint32 {
	next := cursor + 1
	if next >= sb.MaxLen {
		return sb.First
	}
	return next
}

// index sorts tags by sequence ascending (spec.md §4.E step 4) and builds
// block_to_descriptors / block_in_journal_to_descriptors.
func (a *Analyzer) index(allTags []TagRef) {
	sort.SliceStable(allTags, func(i, j int) bool { return allTags[i].Sequence < allTags[j].Sequence })

	for _, t := range allTags {
		a.blockToDescriptors[t.FSBlock] = append(a.blockToDescriptors[t.FSBlock], t)
		a.blockInJournalToDescriptor[t.JournalBlock] = t
	}
}

// buildDirInodeIndex implements spec.md §4.E step 6: for every tag whose
// fs_block lies in an inode table, parse the journaled copy as an inode
// table fragment and, for every directory inode found, record
// block_to_dir_inode[data_block] = inode_number for each of its data
// blocks. Tags are visited in ascending sequence order (allTags is already
// sorted by index), so later writes naturally win.
func (a *Analyzer) buildDirInodeIndex(allTags []TagRef) error {
	sb := a.fs.Superblock()
	inodesPerBlock := sb.BlockSize / uint32(sb.InodeSize)

	for _, t := range allTags {
		group, blockIndexInTable, ok := a.inodeTableLocation(t.FSBlock)
		if !ok {
			continue
		}

		raw, err := a.fs.Image.ReadBlock(t.JournalBlock)
		if err != nil {
			continue
		}
		if t.Deleted() {
			continue
		}
		if t.Flags&TagFlagEscaped != 0 && len(raw) >= 4 {
			// The real first word collided with the journal magic and was
			// zeroed at journal-write time; restore it before parsing.
			unescaped := make([]byte, len(raw))
			copyBytes(unescaped, raw)
			binary.BigEndian.PutUint32(unescaped[0:4], Magic)
			raw = unescaped
		}

		firstInodeLocal := blockIndexInTable * inodesPerBlock
		for i := uint32(0); i < inodesPerBlock; i++ {
			off := i * uint32(sb.InodeSize)
			if off+uint32(sb.InodeSize) > uint32(len(raw)) {
				break
			}
			number := group*sb.InodesPerGroup + firstInodeLocal + i + 1
			inode, err := ext2.InodeFromBytes(raw[off:off+uint32(sb.InodeSize)], number)
			if err != nil || inode.Kind() != ext2.KindDirectory {
				continue
			}

			w := a.fs.Indirect()
			_, _ = w.ForEachBlock(inode, ext2.WithData, func(blockNr uint32, logical int64) error {
				a.blockToDirInode[blockNr] = number
				return nil
			})
		}
	}
	return nil
}

func copyBytes(dst, src []byte) { _ = copy(dst, src) }

// inodeTableLocation reports whether fsBlock lies within some group's
// inode table, and if so which group and which block index within that
// table.
func (a *Analyzer) inodeTableLocation(fsBlock uint32) (group uint32, blockIndex uint32, ok bool) {
	sb := a.fs.Superblock()
	inodeTableBlocks := (sb.InodesPerGroup * uint32(sb.InodeSize)) / sb.BlockSize

	for g, gd := range a.fs.Image.Groups {
		if fsBlock >= gd.InodeTable && fsBlock < gd.InodeTable+inodeTableBlocks {
			return uint32(g), fsBlock - gd.InodeTable, true
		}
	}
	return 0, 0, false
}

// IsJournalBlock reports whether b is one of the fs blocks belonging to the
// journal inode's own block tree (spec.md §4.C is_journal).
func (a *Analyzer) IsJournalBlock(b uint32) bool {
	if b < a.MinBlock || b >= a.MaxBlock {
		return false
	}
	for _, fsb := range a.logicalToFS {
		if fsb == b {
			return true
		}
	}
	return a.indirectFS[b]
}

// IsIndirectBlockInJournal reports whether b is one of the journal inode's
// own indirect pointer blocks (spec.md §4.C is_indirect_block_in_journal).
func (a *Analyzer) IsIndirectBlockInJournal(b uint32) bool { return a.indirectFS[b] }

// LargestSequenceFor returns the highest sequence among descriptors tagging
// fsBlock, or 0 if none do (spec.md §4.E largest_sequence_for).
func (a *Analyzer) LargestSequenceFor(fsBlock uint32) uint32 {
	var max uint32
	for _, t := range a.blockToDescriptors[fsBlock] {
		if t.Sequence > max {
			max = t.Sequence
		}
	}
	return max
}

// CopiesOf returns every journal copy of fsBlock, newest first.
func (a *Analyzer) CopiesOf(fsBlock uint32) []TagRef {
	src := a.blockToDescriptors[fsBlock]
	out := make([]TagRef, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out
}

// InodeCopy is one journal-preserved revision of an inode.
type InodeCopy struct {
	Sequence uint32
	Inode    *ext2.Inode
	Deleted  bool
}

// CopiesOfInode returns an ordered (newest-first) list of every journal
// copy of the block containing inode number, sliced at its intra-block
// offset and parsed (spec.md §4.E copies_of_inode).
func (a *Analyzer) CopiesOfInode(number uint32) ([]InodeCopy, error) {
	sb := a.fs.Superblock()
	group, indexInGroup := a.fs.Image.InodeGroup(number)
	if int(group) >= len(a.fs.Image.Groups) {
		return nil, fmt.Errorf("inode %d: group %d out of range", number, group)
	}
	gd := a.fs.Image.Groups[group]

	inodesPerBlock := sb.BlockSize / uint32(sb.InodeSize)
	blockIndexInTable := indexInGroup / inodesPerBlock
	offsetInBlock := (indexInGroup % inodesPerBlock) * uint32(sb.InodeSize)
	fsBlock := gd.InodeTable + blockIndexInTable

	var copies []InodeCopy
	for _, t := range a.CopiesOf(fsBlock) {
		buf, err := a.fs.Image.ReadBlock(t.JournalBlock)
		if err != nil {
			continue
		}
		if offsetInBlock+uint32(sb.InodeSize) > uint32(len(buf)) {
			continue
		}
		inode, err := ext2.InodeFromBytes(buf[offsetInBlock:offsetInBlock+uint32(sb.InodeSize)], number)
		if err != nil {
			continue
		}
		copies = append(copies, InodeCopy{Sequence: t.Sequence, Inode: inode, Deleted: t.Deleted() || inode.IsDeleted()})
	}
	return copies, nil
}

// BlockToDirInode returns the most recently observed owning directory
// inode for a data block, per journal evidence, and whether one is known
// (spec.md §4.E block_to_dir_inode, §4.G source 1).
func (a *Analyzer) BlockToDirInode(blockNr uint32) (uint32, bool) {
	n, ok := a.blockToDirInode[blockNr]
	return n, ok
}

// DescriptorsFor returns every tag naming fsBlock, ascending by sequence.
func (a *Analyzer) DescriptorsFor(fsBlock uint32) []TagRef {
	return a.blockToDescriptors[fsBlock]
}

// GoverningDescriptor returns the descriptor tag whose data copy physically
// occupies journalBlock (spec.md §4.E block_in_journal_to_descriptors).
func (a *Analyzer) GoverningDescriptor(journalBlock uint32) (TagRef, bool) {
	t, ok := a.blockInJournalToDescriptor[journalBlock]
	return t, ok
}
