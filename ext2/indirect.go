package ext2

import "fmt"

// BlockAction is called once per block an indirect-block walk visits.
// logicalIndex is the block's logical position within the file (0-based,
// counting data blocks only — metadata blocks passed when WithIndirect is
// set do not have a meaningful logical index and are passed -1).
type BlockAction func(blockNr uint32, logicalIndex int64) error

// WalkMask selects which kinds of block a walk visits.
type WalkMask uint8

const (
	// WithData visits data blocks (direct, and the leaves of the
	// indirect trees).
	WithData WalkMask = 1 << iota
	// WithIndirect visits the indirect pointer blocks themselves (their
	// contents are block numbers, not file data).
	WithIndirect
)

// entriesPerIndirectBlock is how many uint32 block numbers fit in one
// block, for the block size this walker was constructed with.
func entriesPerIndirectBlock(blockSize uint32) int64 {
	return int64(blockSize) / 4
}

// IndirectWalker enumerates every block reachable from an inode's 15 block
// pointers via direct and single/double/triple indirection (spec.md §4.D).
// N_b bounds validity: any entry >= N_b stops the whole walk and is
// reported as corruption via the return value.
type IndirectWalker struct {
	BlockSize   uint32
	MaxBlock    uint32 // N_b: blocks at or past this index are invalid
	ReadBlock   func(blocknr uint32) ([]byte, error)
}

// ForEachBlock walks the direct/indirect/double-indirect/triple-indirect
// tree rooted at inode.Block, invoking action for every block selected by
// mask, in on-disk traversal order. It returns corrupted=true if an
// indirect block was found to contain an out-of-range entry (spec.md:
// "reused or corrupted"), in which case the walk stopped early but
// everything visited so far was valid and was still delivered to action.
//
// Symlinks whose Sectors is 0 are never walked: their block pointers hold
// inline text, not a block tree (spec.md §4.D).
func (w *IndirectWalker) ForEachBlock(inode *Inode, mask WalkMask, action BlockAction) (corrupted bool, err error) {
	if inode.Kind() == KindSymlink && inode.Sectors == 0 {
		return false, nil
	}

	var logical int64

	visitData := func(blockNr uint32) (corrupted bool, err error) {
		if blockNr == 0 {
			// Sparse hole: no block allocated here, skip but still
			// advance the logical index so later blocks land right.
			logical++
			return false, nil
		}
		if blockNr >= w.MaxBlock {
			return true, nil
		}
		if mask&WithData != 0 {
			if err := action(blockNr, logical); err != nil {
				return false, err
			}
		}
		logical++
		return false, nil
	}

	visitIndirect := func(blockNr uint32) (corrupted bool, err error) {
		if blockNr == 0 || blockNr >= w.MaxBlock {
			return blockNr != 0, nil
		}
		if mask&WithIndirect != 0 {
			if err := action(blockNr, -1); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	// 1. Direct pointers.
	for _, b := range inode.DirectBlocks() {
		c, err := visitData(b)
		if err != nil {
			return false, err
		}
		if c {
			return true, nil
		}
	}

	// 2. Single indirect.
	if c, err := w.walkSingle(inode.SingleIndirect(), visitIndirect, visitData); err != nil {
		return false, err
	} else if c {
		return true, nil
	}

	// 3. Double indirect: entries point to single-indirect blocks.
	if c, err := w.walkDouble(inode.DoubleIndirect(), visitIndirect, visitData); err != nil {
		return false, err
	} else if c {
		return true, nil
	}

	// 4. Triple indirect: entries point to double-indirect blocks.
	if c, err := w.walkTriple(inode.TripleIndirect(), visitIndirect, visitData); err != nil {
		return false, err
	} else if c {
		return true, nil
	}

	return false, nil
}

func (w *IndirectWalker) walkSingle(blockNr uint32, visitIndirect, visitData func(uint32) (bool, error)) (bool, error) {
	if blockNr == 0 {
		return false, nil
	}
	if c, err := visitIndirect(blockNr); err != nil || c {
		return c, err
	}
	entries, err := w.readPointers(blockNr)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		c, err := visitData(e)
		if err != nil {
			return false, err
		}
		if c {
			return true, nil
		}
	}
	return false, nil
}

func (w *IndirectWalker) walkDouble(blockNr uint32, visitIndirect, visitData func(uint32) (bool, error)) (bool, error) {
	if blockNr == 0 {
		return false, nil
	}
	if c, err := visitIndirect(blockNr); err != nil || c {
		return c, err
	}
	entries, err := w.readPointers(blockNr)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if c, err := w.walkSingle(e, visitIndirect, visitData); err != nil {
			return false, err
		} else if c {
			return true, nil
		}
	}
	return false, nil
}

func (w *IndirectWalker) walkTriple(blockNr uint32, visitIndirect, visitData func(uint32) (bool, error)) (bool, error) {
	if blockNr == 0 {
		return false, nil
	}
	if c, err := visitIndirect(blockNr); err != nil || c {
		return c, err
	}
	entries, err := w.readPointers(blockNr)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if c, err := w.walkDouble(e, visitIndirect, visitData); err != nil {
			return false, err
		} else if c {
			return true, nil
		}
	}
	return false, nil
}

func (w *IndirectWalker) readPointers(blockNr uint32) ([]uint32, error) {
	buf, err := w.ReadBlock(blockNr)
	if err != nil {
		return nil, fmt.Errorf("reading indirect block %d: %w", blockNr, err)
	}
	n := entriesPerIndirectBlock(w.BlockSize)
	out := make([]uint32, 0, n)
	for i := int64(0); i < n; i++ {
		off := i * 4
		if off+4 > int64(len(buf)) {
			break
		}
		v := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		out = append(out, v)
	}
	return out, nil
}
