package recon

import (
	"fmt"
	"path"
	"time"

	"github.com/ext3grep/ext3grep-go/classify"
	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/sirupsen/logrus"
)

// RootInode is the fixed inode number of the filesystem root directory.
const RootInode uint32 = 2

// EntryStatus classifies a directory entry per spec.md §4.H.
type EntryStatus int

const (
	// Live means the entry's record lies within the directory's nominal
	// entry chain and its file-type hint, when the filesystem records one,
	// agrees with its inode's kind. Whether the inode is allocated is not
	// checked.
	Live EntryStatus = iota
	// Deleted means the record lies in the tail region beyond the
	// nominal chain end — a removed entry whose bytes have not yet been
	// overwritten. A nominal-chain entry whose inode field is zero (kept
	// only with FilterZeroInode) is also marked Deleted.
	Deleted
	// Reallocated means the entry was deleted but the inode number it
	// names has since been reused for something else (spec.md §4.H's
	// three-way reallocated predicate).
	Reallocated
)

// Node is one entry in the handle-based directory graph spec.md §9's
// redesign note calls for: no C++-style parent back-pointers, just an
// index into Tree.Nodes that every reference (including "parent") goes
// through.
type Node struct {
	Handle   int
	Inode    uint32
	Name     string
	Kind     ext2.Kind
	Status   EntryStatus
	Parent   int // handle, -1 for the root
	Children []int
	// Lost is set when a deleted directory's ".." could not be verified
	// against its apparent parent (spec.md §4.H), or when its dtime is too
	// far from its parent's (BuildOptions.DeletedDirSkew); the walk does
	// not descend into it.
	Lost bool
}

// BuildOptions controls the Directory Tree Builder's traversal filters and
// tunables (spec.md §4.H).
type BuildOptions struct {
	MaxDepth int // 0 means unlimited

	FilterAllocated    bool
	FilterUnallocated  bool
	FilterDeleted      bool
	FilterDirsOnly     bool
	FilterReallocated  bool
	FilterZeroInode    bool
	After, Before      time.Time

	// Group, when non-nil, restricts the walk to entries whose inode
	// belongs to that block group (spec.md §6 `--group N`).
	Group *uint32

	// DeletedDirSkew is how far a deleted directory's dtime is allowed to
	// precede its parent's dtime before descent is refused (spec.md
	// §4.H's "more than 60 seconds" rule, spec.md §9 Open Question (b):
	// a tunable, not a hardcoded constant).
	DeletedDirSkew time.Duration
}

// Tree is the result of a Directory Tree Builder DFS: every node reached,
// plus the two side-effect indexes spec.md §4.H calls out.
type Tree struct {
	Nodes            []Node
	Root             int
	AllDirectories   map[string]int // path -> handle
	InodeToDirectory map[uint32]int // inode -> handle, directories only
	// PathToInode is spec.md §3's path_to_inode_map: full path -> inode,
	// for every non-directory entry the walk reached (regardless of
	// status, so a deleted file's path still resolves for restore).
	PathToInode map[string]uint32
}

// Resolve implements undelete.PathIndex: it looks a reconstructed path up
// in AllDirectories first, then PathToInode, so the Restore Engine can
// drive both directory and file recovery through one interface.
func (t *Tree) Resolve(p string) (inode uint32, isDir bool, ok bool) {
	if handle, found := t.AllDirectories[p]; found {
		return t.Nodes[handle].Inode, true, true
	}
	if i, found := t.PathToInode[p]; found {
		return i, false, true
	}
	return 0, false, false
}

func (t *Tree) Path(handle int) string {
	if handle < 0 {
		return ""
	}
	n := t.Nodes[handle]
	if n.Parent < 0 {
		return "/"
	}
	return path.Join(t.Path(n.Parent), n.Name)
}

type builder struct {
	fs      *ext2.FileSystem
	stage2  *Stage2Result
	journal JournalEvidence
	opts    BuildOptions
	tree    *Tree
}

// Build walks the directory tree from the root inode per spec.md §4.H.
func Build(fs *ext2.FileSystem, stage2 *Stage2Result, journal JournalEvidence, opts BuildOptions) (*Tree, error) {
	if opts.DeletedDirSkew == 0 {
		opts.DeletedDirSkew = 60 * time.Second
	}
	b := &builder{
		fs:      fs,
		stage2:  stage2,
		journal: journal,
		opts:    opts,
		tree: &Tree{
			AllDirectories:   make(map[string]int),
			InodeToDirectory: make(map[uint32]int),
			PathToInode:      make(map[string]uint32),
		},
	}

	rootHandle := b.newNode(RootInode, "", ext2.KindDirectory, Live, -1)
	b.tree.Root = rootHandle
	b.recordDirectory("/", rootHandle, RootInode, 0)

	if err := b.descend(rootHandle, RootInode, map[uint32]bool{RootInode: true}, 0); err != nil {
		return nil, err
	}
	return b.tree, nil
}

func (b *builder) newNode(inode uint32, name string, kind ext2.Kind, status EntryStatus, parent int) int {
	handle := len(b.tree.Nodes)
	b.tree.Nodes = append(b.tree.Nodes, Node{
		Handle: handle, Inode: inode, Name: name, Kind: kind, Status: status, Parent: parent,
	})
	if parent >= 0 {
		b.tree.Nodes[parent].Children = append(b.tree.Nodes[parent].Children, handle)
	}
	return handle
}

// recordDirectory applies spec.md §4.H's duplicate-path resolution: if
// path was already claimed by a different inode, keep whichever directory
// has the higher largest_sequence_for its first block, breaking ties by
// keeping the first one seen.
func (b *builder) recordDirectory(p string, handle int, inode uint32, firstBlock uint32) {
	if existing, ok := b.tree.AllDirectories[p]; ok {
		existingInode := b.tree.Nodes[existing].Inode
		if existingInode == inode {
			return
		}
		if b.journal != nil {
			existingBlock := b.stage2.CanonicalBlock[existingInode]
			if b.journal.LargestSequenceFor(firstBlock) > b.journal.LargestSequenceFor(existingBlock) {
				b.tree.AllDirectories[p] = handle
			}
		}
		return
	}
	b.tree.AllDirectories[p] = handle
	b.tree.InodeToDirectory[inode] = handle
}

func (b *builder) blocksFor(inode uint32) []uint32 {
	first, ok := b.stage2.CanonicalBlock[inode]
	if !ok || first == 0 {
		return nil
	}
	blocks := []uint32{first}
	for blk, owner := range b.stage2.ExtendedOwner {
		if owner == inode {
			blocks = append(blocks, blk)
		}
	}
	return blocks
}

func (b *builder) descend(parentHandle int, dirInode uint32, onPath map[uint32]bool, depth int) error {
	if b.opts.MaxDepth > 0 && depth >= b.opts.MaxDepth {
		return nil
	}

	for _, blk := range b.blocksFor(dirInode) {
		raw, err := b.fs.Image.ReadBlock(blk)
		if err != nil {
			return fmt.Errorf("tree: reading directory block %d of inode %d: %w", blk, dirInode, err)
		}

		nominal := make(map[int]bool)
		var walkErr error
		ext2.WalkDirBlock(raw, func(e *ext2.DirEntry) bool {
			nominal[e.Offset] = true
			if e.Name == "." || e.Name == ".." {
				return true
			}
			if e.Inode == 0 {
				if b.opts.FilterZeroInode {
					b.newNode(0, e.Name, 0, Deleted, parentHandle)
				}
				return true
			}
			if onPath[e.Inode] {
				logrus.WithFields(logrus.Fields{"inode": e.Inode, "path": b.tree.Path(parentHandle)}).
					Warnf("loop detected: inode %d already on the current path, not descending again", e.Inode)
				return true
			}
			if err := b.visitEntry(parentHandle, e, onPath, depth, false); err != nil {
				walkErr = err
				return false
			}
			return true
		})
		if walkErr != nil {
			return walkErr
		}

		if err := b.scanDeletedTail(parentHandle, blk, raw, nominal, onPath, depth); err != nil {
			return err
		}
	}
	return nil
}

// scanDeletedTail is the "Search for deleted entries" pass: ext2/3
// deletion works by splicing a removed name out of the rec_len chain
// (extending the preceding entry's rec_len over it), so the name never
// shows up in the ordinary walk above. Every ext2.DirPad-aligned offset the
// nominal chain didn't claim is a candidate; classify.IsDirectoryAt
// confirms the bytes there still parse as a sound entry (and everything
// after it to the block end) before the candidate is trusted.
func (b *builder) scanDeletedTail(parentHandle int, blocknr uint32, raw []byte, nominal map[int]bool, onPath map[uint32]bool, depth int) error {
	cfg := classify.Config{
		InodeCount:  b.fs.Superblock().InodeCount,
		HasFiletype: b.fs.Superblock().Features.HasFiletype(),
	}
	stats := classify.NewStats()
	blockSize := len(raw)

	for offset := blockSize - int(ext2.MinDirEntryRecLen()); offset > 0; offset -= ext2.DirPad {
		if nominal[offset] {
			continue
		}
		if classify.IsDirectoryAt(cfg, raw, blocknr, stats, offset) == classify.No {
			continue
		}
		e, err := ext2.DirEntryAt(raw, offset)
		if err != nil {
			continue
		}
		if e.Name == "." || e.Name == ".." || e.Inode == 0 {
			continue
		}
		if onPath[e.Inode] {
			continue
		}
		if err := b.visitEntry(parentHandle, e, onPath, depth, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) visitEntry(parentHandle int, e *ext2.DirEntry, onPath map[uint32]bool, depth int, deletedHint bool) error {
	allocated, err := b.fs.Metadata.IsAllocatedInode(e.Inode)
	if err != nil {
		logrus.WithError(err).Warnf("directory entry %q names out-of-range inode %d, skipping", e.Name, e.Inode)
		return nil
	}
	inode, err := b.fs.Image.ReadInode(e.Inode)
	if err != nil {
		logrus.WithError(err).Warnf("directory entry %q names unreadable inode %d, skipping", e.Name, e.Inode)
		return nil
	}

	kind := inode.Kind()
	if b.fs.Superblock().Features.HasFiletype() {
		if ft, ok := fileTypeToKind(e.FileType); ok {
			kind = ft
		}
	}

	// deletedHint is true only for entries scanDeletedTail recovered from a
	// block's padding, and only those entries are "deleted": an entry
	// still in the nominal chain is not, whatever its inode says.
	// reallocated mirrors the recovered
	// entry's inode having moved on: it is currently allocated, or no
	// longer reports itself deleted, or its file-type hint no longer
	// matches the inode it names.
	hintDisagrees := false
	if b.fs.Superblock().Features.HasFiletype() {
		if ft, ok := fileTypeToKind(e.FileType); ok && ft != inode.Kind() {
			hintDisagrees = true
		}
	}
	reallocated := (deletedHint && allocated) || (deletedHint && !inode.IsDeleted()) || hintDisagrees
	deleted := deletedHint

	status := Live
	switch {
	case reallocated:
		status = Reallocated
	case deleted:
		status = Deleted
	}

	if !b.passesFilters(status, inode) {
		return nil
	}

	handle := b.newNode(e.Inode, e.Name, kind, status, parentHandle)
	childPath := path.Join(b.tree.Path(parentHandle), e.Name)

	if kind != ext2.KindDirectory {
		b.tree.PathToInode[childPath] = e.Inode
		return nil
	}

	firstBlock := b.stage2.CanonicalBlock[e.Inode]

	if status != Live {
		if !b.verifyDotDot(e.Inode, b.tree.Nodes[parentHandle].Inode) {
			b.tree.Nodes[handle].Lost = true
			logrus.WithFields(logrus.Fields{"inode": e.Inode, "path": childPath}).
				Warnf("deleted directory's '..' does not match its apparent parent; marking subtree lost")
			b.recordDirectory(childPath, handle, e.Inode, firstBlock)
			return nil
		}
		if skewed, err := b.dtimeSkewed(e.Inode, b.tree.Nodes[parentHandle].Inode); err != nil {
			return err
		} else if skewed {
			b.tree.Nodes[handle].Lost = true
			logrus.WithFields(logrus.Fields{"inode": e.Inode, "path": childPath}).
				Warnf("deleted directory's dtime precedes its parent's by more than %s; not descending", b.opts.DeletedDirSkew)
			b.recordDirectory(childPath, handle, e.Inode, firstBlock)
			return nil
		}
	}

	b.recordDirectory(childPath, handle, e.Inode, firstBlock)

	nextOnPath := make(map[uint32]bool, len(onPath)+1)
	for k := range onPath {
		nextOnPath[k] = true
	}
	nextOnPath[e.Inode] = true
	return b.descend(handle, e.Inode, nextOnPath, depth+1)
}

// verifyDotDot checks that a deleted directory's first block still has a
// ".." entry pointing at its apparent parent, the precondition spec.md
// §4.H sets before recursing into it.
func (b *builder) verifyDotDot(dirInode, parentInode uint32) bool {
	first, ok := b.stage2.CanonicalBlock[dirInode]
	if !ok || first == 0 {
		return false
	}
	raw, err := b.fs.Image.ReadBlock(first)
	if err != nil {
		return false
	}
	matches := false
	ext2.WalkDirBlock(raw, func(e *ext2.DirEntry) bool {
		if e.Name == ".." {
			matches = e.Inode == parentInode
			return false
		}
		return true
	})
	return matches
}

func (b *builder) dtimeSkewed(dirInode, parentInode uint32) (bool, error) {
	child, err := b.fs.Image.ReadInode(dirInode)
	if err != nil {
		return false, fmt.Errorf("tree: reading inode %d for dtime skew check: %w", dirInode, err)
	}
	parent, err := b.fs.Image.ReadInode(parentInode)
	if err != nil {
		return false, fmt.Errorf("tree: reading inode %d for dtime skew check: %w", parentInode, err)
	}
	if !child.HasValidDtime(b.fs.Superblock().InodeCount) || !parent.HasValidDtime(b.fs.Superblock().InodeCount) {
		return false, nil
	}
	childTime := time.Unix(int64(child.DeletionTime), 0)
	parentTime := time.Unix(int64(parent.DeletionTime), 0)
	return parentTime.Sub(childTime) > b.opts.DeletedDirSkew, nil
}

func (b *builder) passesFilters(status EntryStatus, inode *ext2.Inode) bool {
	opts := b.opts
	if opts.FilterDirsOnly && inode.Kind() != ext2.KindDirectory {
		return false
	}
	if opts.FilterDeleted && status == Live {
		return false
	}
	if opts.FilterAllocated && status != Live {
		return false
	}
	if opts.FilterUnallocated && status == Live {
		return false
	}
	if opts.FilterReallocated && status != Reallocated {
		return false
	}
	if !opts.After.IsZero() && dtimeBefore(inode, opts.After) {
		return false
	}
	if !opts.Before.IsZero() && dtimeAfter(inode, opts.Before) {
		return false
	}
	if opts.Group != nil {
		if g, _ := b.fs.Image.InodeGroup(inode.Number); g != *opts.Group {
			return false
		}
	}
	return true
}

func dtimeBefore(inode *ext2.Inode, after time.Time) bool {
	return time.Unix(int64(inode.DeletionTime), 0).Before(after)
}

func dtimeAfter(inode *ext2.Inode, before time.Time) bool {
	return time.Unix(int64(inode.DeletionTime), 0).After(before)
}

func fileTypeToKind(ft uint8) (ext2.Kind, bool) {
	switch ft {
	case ext2.FileTypeRegular:
		return ext2.KindRegular, true
	case ext2.FileTypeDir:
		return ext2.KindDirectory, true
	case ext2.FileTypeCharDev:
		return ext2.KindCharDev, true
	case ext2.FileTypeBlockDev:
		return ext2.KindBlockDev, true
	case ext2.FileTypeFIFO:
		return ext2.KindFIFO, true
	case ext2.FileTypeSocket:
		return ext2.KindSocket, true
	case ext2.FileTypeSymlink:
		return ext2.KindSymlink, true
	default:
		return 0, false
	}
}
