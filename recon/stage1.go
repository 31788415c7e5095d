// Package recon implements the two-stage directory reconstruction pipeline
// (spec.md §4.F-§4.H): a full-image scan for candidate directory blocks,
// resolution of the many-to-one ambiguities that scan leaves behind, and a
// recursive tree builder over the result.
package recon

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ext3grep/ext3grep-go/cache"
	"github.com/ext3grep/ext3grep-go/classify"
	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/sirupsen/logrus"
)

// Stage1Result is the persisted output of the Directory Stage 1 scan
// (spec.md §4.F): for every directory-start block found, the self-inode
// named by its "." entry (possibly more than one block per inode, when a
// directory was deleted and its block reused by another directory that
// kept the same inode number — resolving that ambiguity is Stage 2's job),
// plus the full list of directory-extended blocks found anywhere in the
// image.
type Stage1Result struct {
	DirInodeToBlock map[uint32][]uint32
	ExtendedBlocks  []uint32
}

// Stage1Options tunes the full-image scan.
type Stage1Options struct {
	Config classify.Config
	// Journal classifies blocks as belonging to the journal inode's own
	// block tree; nil when the filesystem was mounted without one.
	Journal classify.JournalBlocks
	// IncludeJournal scans the journal area along with everything else.
	// spec.md §4.F calls for this by default: deleted directory blocks
	// frequently survive only as a journaled copy.
	IncludeJournal bool
	// Progress, if non-nil, receives one byte per directory block found
	// (other blocks print nothing): 'D' for a new directory-start inode,
	// '+' for a repeat reference to an already-seen inode, 'd' for an
	// extended block, then a newline when the scan ends, matching the
	// console feedback original_source/src/dir_inode_to_block.cc prints
	// so a long scan is not silent.
	Progress io.Writer
}

// RunStage1 loads device's stage 1 cache if present and valid, otherwise
// scans the entire image and persists a fresh cache (spec.md §4.F, §4.K).
func RunStage1(fs *ext2.FileSystem, device string, opts Stage1Options) (*Stage1Result, error) {
	path := cache.PathFor(device, "ext3grep.stage1")
	if data, ok := cache.Read(path); ok {
		result, err := decodeStage1(data)
		if err == nil {
			return result, nil
		}
		logrus.WithError(err).Warnf("stage 1 cache %q is unreadable, rescanning", path)
	}

	result, err := scanStage1(fs, opts)
	if err != nil {
		return nil, err
	}
	if err := cache.Write(path, encodeStage1(device, result)); err != nil {
		logrus.WithError(err).Warnf("failed to persist stage 1 cache to %q", path)
	}
	return result, nil
}

func scanStage1(fs *ext2.FileSystem, opts Stage1Options) (*Stage1Result, error) {
	sb := fs.Superblock()
	result := &Stage1Result{DirInodeToBlock: make(map[uint32][]uint32)}

	lastBlock := uint32(sb.BlockCount)

	for group := uint32(0); group < sb.GroupCount; group++ {
		groupFirst := sb.FirstDataBlock + group*sb.BlocksPerGroup
		groupLast := groupFirst + sb.BlocksPerGroup
		if groupLast > lastBlock {
			groupLast = lastBlock
		}

		for blocknr := groupFirst; blocknr < groupLast; blocknr++ {
			if !opts.IncludeJournal && opts.Journal != nil && classify.IsJournal(opts.Journal, blocknr) {
				continue
			}

			block, err := fs.Image.ReadBlock(blocknr)
			if err != nil {
				return nil, fmt.Errorf("stage 1: reading block %d: %w", blocknr, err)
			}

			stats := classify.NewStats()
			switch classify.IsDirectory(opts.Config, block, blocknr, stats, false, false) {
			case classify.Start:
				inode := dotEntryInode(block)
				if opts.Progress != nil {
					if len(result.DirInodeToBlock[inode]) == 0 {
						fmt.Fprint(opts.Progress, "D")
					} else {
						fmt.Fprint(opts.Progress, "+")
					}
				}
				result.DirInodeToBlock[inode] = append(result.DirInodeToBlock[inode], blocknr)
			case classify.Extended:
				if opts.Progress != nil {
					fmt.Fprint(opts.Progress, "d")
				}
				result.ExtendedBlocks = append(result.ExtendedBlocks, blocknr)
			}
		}
	}
	if opts.Progress != nil {
		fmt.Fprintln(opts.Progress)
	}
	return result, nil
}

// dotEntryInode reads the inode field of a directory-start block's first
// entry, which classify.IsDirectory has already verified is a "." entry.
func dotEntryInode(block []byte) uint32 {
	return binary.LittleEndian.Uint32(block[0:4])
}

// encodeStage1 renders result in the plain-text format spec.md §4.K
// describes (spec.md appendix: "<device>.ext3grep.stage1: per inode
// 'INODE : BLK [BLK ...]', then extended block list, then # END"). The
// caller appends the "# END\n" trailer via cache.Write.
func encodeStage1(device string, result *Stage1Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Stage 1 data for %s.\n", device)
	b.WriteString("# Inodes and directory start blocks that use it for dir entry '.'.\n")
	b.WriteString("# INODE : BLOCK [BLOCK ...]\n")

	inodes := make([]uint32, 0, len(result.DirInodeToBlock))
	for i := range result.DirInodeToBlock {
		inodes = append(inodes, i)
	}
	sort.Slice(inodes, func(a, c int) bool { return inodes[a] < inodes[c] })
	for _, i := range inodes {
		fmt.Fprintf(&b, "%d :", i)
		for _, blk := range result.DirInodeToBlock[i] {
			fmt.Fprintf(&b, " %d", blk)
		}
		b.WriteString("\n")
	}

	b.WriteString("# Extended directory blocks.\n")
	for _, blk := range result.ExtendedBlocks {
		fmt.Fprintf(&b, "%d\n", blk)
	}
	return []byte(b.String())
}

// decodeStage1 parses the format encodeStage1 writes. Lines starting with
// '#' are comments and ignored wherever they appear, matching spec.md
// §4.K's "comments allowed between records" tolerance for hand-edited
// caches.
func decodeStage1(data []byte) (*Stage1Result, error) {
	result := &Stage1Result{DirInodeToBlock: make(map[uint32][]uint32)}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.Index(line, ":"); idx >= 0 {
			inode, err := strconv.ParseUint(strings.TrimSpace(line[:idx]), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("stage 1 cache: bad inode field %q: %w", line[:idx], err)
			}
			fields := strings.Fields(line[idx+1:])
			blocks := make([]uint32, 0, len(fields))
			for _, f := range fields {
				blk, err := strconv.ParseUint(f, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("stage 1 cache: bad block field %q: %w", f, err)
				}
				blocks = append(blocks, uint32(blk))
			}
			result.DirInodeToBlock[uint32(inode)] = blocks
			continue
		}

		blk, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("stage 1 cache: bad extended block %q: %w", line, err)
		}
		result.ExtendedBlocks = append(result.ExtendedBlocks, uint32(blk))
	}
	return result, scanner.Err()
}
