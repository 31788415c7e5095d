package classify

import (
	"encoding/binary"

	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/sirupsen/logrus"
)

// Verdict is what IsDirectory concludes about a block.
type Verdict int

const (
	No Verdict = iota
	Start
	Extended
)

const (
	direntryHeaderLen = 8
	fileTypeMax       = 8 // one past ext2.FileTypeSymlink
)

func direntryRecLen(nameLen int) int {
	total := direntryHeaderLen + nameLen
	return (total + 3) &^ 3
}

// Stats accumulates per-block-scan bookkeeping IsDirectory's caller uses to
// judge how convincing a block is (spec.md §4.F/§4.C): how many entries it
// accepted and which unlikely characters it saw.
type Stats struct {
	NumEntries        int
	UnlikelyCharCount map[byte]int
}

func NewStats() *Stats { return &Stats{UnlikelyCharCount: make(map[byte]int)} }

func (s *Stats) incEntries()            { s.NumEntries++ }
func (s *Stats) incUnlikely(c byte) { s.UnlikelyCharCount[c]++ }

// Config bundles the superblock-derived constants and user options
// IsDirectory's recursive validation needs.
type Config struct {
	InodeCount  uint32
	HasFiletype bool
	AcceptAll   bool
	Accept      *AcceptList
	// CommandlineBlock, when non-nil, names a single block the user
	// explicitly asked to inspect (`--block N`); spec.md's source
	// behavior suppresses the unlikely-character auto-reject in that
	// case so the user can see exactly what is there.
	CommandlineBlock *uint32
}

// IsDirectory validates the directory-entry chain starting at offset 0 of
// block, returning whether it looks like the first block of a directory,
// a continuation block, or not a directory at all (spec.md §4.C
// is_directory). certainlyLinked should be true when the caller already
// knows some live inode references this block (so an unexpected zero inode
// is worth a warning) and false when fishing for deleted directory blocks.
func IsDirectory(cfg Config, block []byte, blocknr uint32, stats *Stats, startBlock bool, certainlyLinked bool) Verdict {
	return isDirectoryAt(cfg, block, blocknr, stats, startBlock, certainlyLinked, 0)
}

// IsDirectoryAt validates the directory-entry chain starting at an
// arbitrary offset, the way a tail-region scan for deleted entries needs
// to: neither the start-of-block "." / ".." shape nor a known live
// reference applies at an offset found by scanning backward through a
// block's padding, so startBlock and certainlyLinked are always false.
func IsDirectoryAt(cfg Config, block []byte, blocknr uint32, stats *Stats, offset int) Verdict {
	return isDirectoryAt(cfg, block, blocknr, stats, false, false, offset)
}

func isDirectoryAt(cfg Config, block []byte, blocknr uint32, stats *Stats, startBlock bool, certainlyLinked bool, offset int) Verdict {
	blockSize := len(block)

	if offset&3 != 0 {
		return No
	}
	if offset+direntryRecLen(1) > blockSize {
		return No
	}

	inode := binary.LittleEndian.Uint32(block[offset : offset+4])
	recLen := binary.LittleEndian.Uint16(block[offset+4 : offset+6])
	nameLen := int(block[offset+6])
	fileType := block[offset+7]

	isStart := false
	if offset == 0 {
		isStart = looksLikeDotDot(cfg, block, blockSize)
	}
	if startBlock && !isStart {
		return No
	}

	if inode == 0 && nameLen > 0 {
		if offset+direntryHeaderLen+nameLen > blockSize {
			return No
		}
		nonASCII := false
		for c := 0; c < nameLen; c++ {
			switch FilenameCharType(block[offset+direntryHeaderLen+c]) {
			case CharIllegal:
				return No
			case CharNonASCII:
				nonASCII = true
			}
		}
		if certainlyLinked && (offset != 0 || startBlock) {
			name := string(block[offset+direntryHeaderLen : offset+direntryHeaderLen+nameLen])
			logrus.WithFields(logrus.Fields{
				"block": blocknr, "offset": offset, "non_ascii": nonASCII,
			}).Warnf("zero inode with plausible name %q, accepting as a deleted tail entry", name)
		}
	}

	if inode > cfg.InodeCount {
		return No
	}
	if nameLen == 0 {
		return No
	}
	minRec := direntryRecLen(nameLen)
	if recLen&3 != 0 || int(recLen) < minRec || offset+int(recLen) > blockSize {
		return No
	}

	if int(recLen) == blockSize {
		symbolTableEntry := nameLen >= 2 &&
			block[offset+direntryHeaderLen] == '_' && block[offset+direntryHeaderLen+1] == 'Z'
		if (cfg.HasFiletype && fileType == ext2.FileTypeUnknown) ||
			fileType >= fileTypeMax || nameLen == 1 || symbolTableEntry {
			return No
		}
	}

	nextOffset := offset + int(recLen)
	if nextOffset != blockSize {
		if isDirectoryAt(cfg, block, blocknr, stats, false, certainlyLinked, nextOffset) == No {
			return No
		}
	}

	ok, illegal, weird := true, false, 0
	for c := 0; c < nameLen; c++ {
		ch := block[offset+direntryHeaderLen+c]
		switch FilenameCharType(ch) {
		case CharIllegal:
			ok, illegal = false, true
		case CharUnlikely, CharNonASCII:
			weird++
			stats.incUnlikely(ch)
		}
		if illegal {
			break
		}
	}
	if cfg.CommandlineBlock != nil && *cfg.CommandlineBlock == blocknr {
		weird = 0
	}
	if !cfg.AcceptAll && nameLen == 1 && weird > 0 {
		ok = false
	}

	if !ok && !illegal {
		name := string(block[offset+direntryHeaderLen : offset+direntryHeaderLen+nameLen])
		if cfg.Accept != nil {
			if accepted, known := cfg.Accept.Lookup(name); known {
				ok = accepted
			} else {
				cfg.Accept.Remember(name, false)
				logrus.WithField("block", blocknr).Warnf(
					"rejecting possible directory entry %q: contains legal but unlikely characters; "+
						"pass --accept=%q to keep it", name, name)
			}
		}
	}

	if ok {
		stats.incEntries()
	} else {
		return No
	}
	if isStart {
		return Start
	}
	return Extended
}

// looksLikeDotDot checks the spec's "first two entries are '.' and '..'"
// shape without committing to full validation of either entry.
func looksLikeDotDot(cfg Config, block []byte, blockSize int) bool {
	dotLen := direntryRecLen(1)
	if dotLen+direntryHeaderLen > blockSize {
		return false
	}
	dotNameLen := block[0+6]
	dotRecLen := binary.LittleEndian.Uint16(block[4:6])
	dotFileType := block[7]
	if dotNameLen != 1 || block[8] != '.' || int(dotRecLen) != dotLen {
		return false
	}
	if cfg.HasFiletype && dotFileType != ext2.FileTypeDir {
		return false
	}

	secondOff := dotLen
	if secondOff+direntryHeaderLen > blockSize {
		return false
	}
	secondNameLen := block[secondOff+6]
	secondFileType := block[secondOff+7]
	if secondOff+direntryHeaderLen+2 > blockSize {
		return false
	}
	if secondNameLen != 2 || block[secondOff+8] != '.' || block[secondOff+9] != '.' {
		return false
	}
	if cfg.HasFiletype && secondFileType != ext2.FileTypeDir {
		return false
	}
	return true
}
