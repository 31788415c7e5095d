package recon

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ext3grep/ext3grep-go/cache"
	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/sirupsen/logrus"
)

// JournalEvidence is the subset of the Journal Analyzer Stage 2's
// resolution policy needs (spec.md §4.G): which blocks are journal blocks,
// the highest sequence number that ever governed a block, and which
// directory inode a journaled inode-table walk attributed a block to.
type JournalEvidence interface {
	IsJournalBlock(b uint32) bool
	LargestSequenceFor(fsBlock uint32) uint32
	BlockToDirInode(blockNr uint32) (uint32, bool)
}

// Conflict records an inode Stage 2 could not reduce to a single block, so
// the caller can report it instead of silently guessing.
type Conflict struct {
	Inode  uint32
	Blocks []uint32
}

// Stage2Result is the persisted output of Directory Stage 2 (spec.md
// §4.G): one canonical first block per directory inode, the owner inode
// of every extended block (or 0 meaning lost+found), and whatever
// many-to-one ambiguities the resolution policy could not collapse.
type Stage2Result struct {
	CanonicalBlock map[uint32]uint32
	ExtendedOwner  map[uint32]uint32 // extended block -> owning directory inode (0 = lost+found)
	Conflicts      []Conflict
}

const lostAndFoundOwner = 0

// RunStage2 loads device's stage 2 cache if present and valid, otherwise
// resolves stage1's many-to-one ambiguities and persists a fresh cache.
func RunStage2(fs *ext2.FileSystem, stage1 *Stage1Result, journal JournalEvidence, device string) (*Stage2Result, error) {
	path := cache.PathFor(device, "ext3grep.stage2")
	if data, ok := cache.Read(path); ok {
		result, err := decodeStage2(data)
		if err == nil {
			return result, nil
		}
		logrus.WithError(err).Warnf("stage 2 cache %q is unreadable, re-resolving", path)
	}

	result, err := resolveStage2(fs, stage1, journal)
	if err != nil {
		return nil, err
	}
	if err := cache.Write(path, encodeStage2(result)); err != nil {
		logrus.WithError(err).Warnf("failed to persist stage 2 cache to %q", path)
	}
	return result, nil
}

func resolveStage2(fs *ext2.FileSystem, stage1 *Stage1Result, journal JournalEvidence) (*Stage2Result, error) {
	result := &Stage2Result{
		CanonicalBlock: make(map[uint32]uint32),
		ExtendedOwner:  make(map[uint32]uint32),
	}

	inodes := make([]uint32, 0, len(stage1.DirInodeToBlock))
	for i := range stage1.DirInodeToBlock {
		inodes = append(inodes, i)
	}
	sort.Slice(inodes, func(a, b int) bool { return inodes[a] < inodes[b] })

	for _, i := range inodes {
		candidates := append([]uint32(nil), stage1.DirInodeToBlock[i]...)
		if len(candidates) == 0 {
			continue
		}

		resolved, err := resolveOneInode(fs, i, candidates, journal)
		if err != nil {
			return nil, err
		}
		if len(resolved) == 1 {
			result.CanonicalBlock[i] = resolved[0]
		} else {
			result.Conflicts = append(result.Conflicts, Conflict{Inode: i, Blocks: resolved})
			// Keep the first as a best-effort canonical pick so downstream
			// consumers that ignore Conflicts still get something usable.
			result.CanonicalBlock[i] = resolved[0]
		}
	}

	resolveExtendedOwners(fs, stage1, journal, result)

	return result, nil
}

// resolveOneInode applies spec.md §4.G's four-step policy, in order, to
// one directory inode's candidate blocks, stopping as soon as one remains.
func resolveOneInode(fs *ext2.FileSystem, inode uint32, candidates []uint32, journal JournalEvidence) ([]uint32, error) {
	if len(candidates) <= 1 {
		return candidates, nil
	}

	// Step 1: allocation wins.
	allocated, err := fs.Metadata.IsAllocatedInode(inode)
	if err != nil {
		return nil, fmt.Errorf("stage 2: checking allocation of inode %d: %w", inode, err)
	}
	if allocated {
		inodeRec, err := fs.Image.ReadInode(inode)
		if err != nil {
			return nil, fmt.Errorf("stage 2: reading inode %d: %w", inode, err)
		}
		if inodeRec.Kind() == ext2.KindDirectory {
			if first := inodeRec.DirectBlocks()[0]; first != 0 {
				for _, c := range candidates {
					if c == first {
						return []uint32{first}, nil
					}
				}
				logrus.WithFields(logrus.Fields{"inode": inode, "first_block": first}).
					Warnf("allocated directory inode's first block pointer does not match any candidate found in stage 1")
			}
		}
	}

	if journal == nil {
		// Steps 2 and 3 need journal evidence; go straight to step 4.
		return dedupeByContent(fs, candidates)
	}

	// Step 2: journal filter.
	var outside, inside []uint32
	for _, c := range candidates {
		if journal.IsJournalBlock(c) {
			inside = append(inside, c)
		} else {
			outside = append(outside, c)
		}
	}
	switch {
	case len(outside) > 0:
		candidates = outside
	case len(inside) > 0:
		var best uint32
		var bestSeq uint32
		for _, c := range inside {
			if seq := journal.LargestSequenceFor(c); seq >= bestSeq {
				bestSeq, best = seq, c
			}
		}
		candidates = []uint32{best}
	}
	if len(candidates) == 1 {
		return candidates, nil
	}

	// Step 3: journal recency.
	var best uint32 = candidates[0]
	var bestSeq uint32
	for _, c := range candidates {
		if seq := journal.LargestSequenceFor(c); seq > bestSeq {
			bestSeq, best = seq, c
		}
	}
	if bestSeq > 0 {
		return []uint32{best}, nil
	}

	// Step 4: byte equality. Candidates with identical entry chains
	// collapse into the first of the group; distinct groups remain a
	// genuine conflict.
	return dedupeByContent(fs, candidates)
}

func dedupeByContent(fs *ext2.FileSystem, candidates []uint32) ([]uint32, error) {
	var groups [][]byte
	var kept []uint32
	for _, c := range candidates {
		block, err := fs.Image.ReadBlock(c)
		if err != nil {
			return nil, fmt.Errorf("stage 2: reading block %d for byte-equality check: %w", c, err)
		}
		isDuplicate := false
		for _, g := range groups {
			if bytes.Equal(g, block) {
				isDuplicate = true
				break
			}
		}
		if !isDuplicate {
			groups = append(groups, block)
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// resolveExtendedOwners attributes every stage 1 extended block to a
// directory inode: journal evidence first, then a ".." entry inside the
// block naming a directory that has a canonical block. No filename-based
// source is consulted. Blocks neither source claims attach to lost+found.
func resolveExtendedOwners(fs *ext2.FileSystem, stage1 *Stage1Result, journal JournalEvidence, result *Stage2Result) {
	canonicalSet := make(map[uint32]uint32, len(result.CanonicalBlock)) // inode -> block, the directories the ".." heuristic may name
	for inode, block := range result.CanonicalBlock {
		canonicalSet[inode] = block
	}

	for _, block := range stage1.ExtendedBlocks {
		if journal != nil {
			if owner, ok := journal.BlockToDirInode(block); ok {
				result.ExtendedOwner[block] = owner
				continue
			}
		}

		if owner, ok := dotDotOwner(fs, block, canonicalSet); ok {
			result.ExtendedOwner[block] = owner
			continue
		}

		result.ExtendedOwner[block] = lostAndFoundOwner
	}
}

// dotDotOwner looks for a literal ".." entry inside an extended block
// (spec.md §4.G's second evidence source) whose target is a directory
// inode we already have a canonical block for, attributing the extended
// block to that directory on the theory that a stray ".." surviving in an
// otherwise-continuation block still names its containing directory.
func dotDotOwner(fs *ext2.FileSystem, block uint32, canonicalSet map[uint32]uint32) (uint32, bool) {
	raw, err := fs.Image.ReadBlock(block)
	if err != nil {
		return 0, false
	}
	owner := uint32(0)
	found := false
	ext2.WalkDirBlock(raw, func(e *ext2.DirEntry) bool {
		if e.Name == ".." && e.Inode != 0 {
			if _, ok := canonicalSet[e.Inode]; ok {
				owner, found = e.Inode, true
				return false
			}
		}
		return true
	})
	return owner, found
}

func encodeStage2(result *Stage2Result) []byte {
	var b strings.Builder
	b.WriteString("# Stage 2 data: canonical directory blocks and extended block ownership.\n")
	b.WriteString("# INODE BLOCK\n")

	inodes := make([]uint32, 0, len(result.CanonicalBlock))
	for i := range result.CanonicalBlock {
		inodes = append(inodes, i)
	}
	sort.Slice(inodes, func(a, c int) bool { return inodes[a] < inodes[c] })
	for _, i := range inodes {
		fmt.Fprintf(&b, "%d %d\n", i, result.CanonicalBlock[i])
	}

	b.WriteString("# Extended block ownership: BLOCK OWNER_INODE (0 = lost+found)\n")
	blocks := make([]uint32, 0, len(result.ExtendedOwner))
	for blk := range result.ExtendedOwner {
		blocks = append(blocks, blk)
	}
	sort.Slice(blocks, func(a, c int) bool { return blocks[a] < blocks[c] })
	for _, blk := range blocks {
		fmt.Fprintf(&b, "%d %d\n", blk, result.ExtendedOwner[blk])
	}
	return []byte(b.String())
}

func decodeStage2(data []byte) (*Stage2Result, error) {
	result := &Stage2Result{
		CanonicalBlock: make(map[uint32]uint32),
		ExtendedOwner:  make(map[uint32]uint32),
	}
	inOwnership := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.Contains(line, "Extended block ownership") {
				inOwnership = true
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("stage 2 cache: malformed record %q", line)
		}
		a, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("stage 2 cache: bad first field %q: %w", fields[0], err)
		}
		c, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("stage 2 cache: bad second field %q: %w", fields[1], err)
		}
		if inOwnership {
			result.ExtendedOwner[uint32(a)] = uint32(c)
		} else {
			result.CanonicalBlock[uint32(a)] = uint32(c)
		}
	}
	return result, nil
}
