package classify

import "github.com/ext3grep/ext3grep-go/ext2"

// JournalBlocks is the subset of the Journal Analyzer this package needs:
// just enough to answer is_journal/is_indirect_block_in_journal without
// classify importing the whole journal package's transaction-indexing
// machinery (journal, in turn, does not need classify — this keeps the
// dependency one-directional, matching the teacher's layering of
// filesystem/ext4 never importing back into its own CLI callers).
type JournalBlocks interface {
	IsJournalBlock(b uint32) bool
	IsIndirectBlockInJournal(b uint32) bool
}

// IsInodeBlock reports whether block lies within some group's inode table
// range (spec.md §4.C is_inode_block).
func IsInodeBlock(fs *ext2.FileSystem, block uint32) bool {
	sb := fs.Superblock()
	inodeTableBlocks := (sb.InodesPerGroup * uint32(sb.InodeSize)) / sb.BlockSize
	for _, gd := range fs.Image.Groups {
		if block >= gd.InodeTable && block < gd.InodeTable+inodeTableBlocks {
			return true
		}
	}
	return false
}

// IsJournal reports whether block belongs to the journal inode's own block
// tree (spec.md §4.C is_journal).
func IsJournal(j JournalBlocks, block uint32) bool {
	return j.IsJournalBlock(block)
}

// IsIndirectBlockInJournal reports whether block is one of the journal
// inode's indirect pointer blocks, meaning its contents are block numbers
// rather than inode or directory data (spec.md §4.C
// is_indirect_block_in_journal).
func IsIndirectBlockInJournal(j JournalBlocks, block uint32) bool {
	return j.IsIndirectBlockInJournal(block)
}
