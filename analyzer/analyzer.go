// Package analyzer is the single context object spec.md §9's redesign note
// calls for in place of the original program's file-scope globals. It owns
// the parsed filesystem, the journal analysis, the two-stage directory
// reconstruction, and the resulting path↔inode indices, and exposes every
// read-only inspection and restore operation spec.md §6 lists as a CLI
// action.
package analyzer

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ext3grep/ext3grep-go/backend"
	"github.com/ext3grep/ext3grep-go/backend/file"
	"github.com/ext3grep/ext3grep-go/cache"
	"github.com/ext3grep/ext3grep-go/classify"
	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/ext3grep/ext3grep-go/journal"
	"github.com/ext3grep/ext3grep-go/recon"
	"github.com/ext3grep/ext3grep-go/undelete"
	"github.com/sirupsen/logrus"
)

// Config bundles every filter/tunable option spec.md §6 lists, independent
// of which action flag is driving a given run.
type Config struct {
	Device     string
	OutputRoot string

	Group             *uint32
	DirectoryOnly     bool
	After, Before     time.Time
	FilterDeleted     bool
	FilterAllocated   bool
	FilterUnallocated bool
	FilterReallocated bool
	FilterZeroInode   bool
	MaxDepth          int

	AcceptAll        bool
	Accept           []string
	CommandlineBlock *uint32

	// DeletedDirSkew overrides the default 60-second parent/child dtime
	// skew (spec.md §9 Open Question (b)); zero means "use the default".
	DeletedDirSkew time.Duration

	Logger logrus.FieldLogger
}

// Analyzer is the single context object: every component the engine needs
// is reachable from here, and nothing outside this struct is mutated after
// Open returns.
type Analyzer struct {
	Config  Config
	FS      *ext2.FileSystem
	Journal *journal.Analyzer // nil if the image has no usable journal evidence
	Stage1  *recon.Stage1Result
	Stage2  *recon.Stage2Result
	Tree    *recon.Tree
	Restore *undelete.Engine

	storage backend.Storage
	logger  logrus.FieldLogger
}

// Open runs the full single-threaded initialization pipeline spec.md §5
// describes: open the image, parse its superblock, mine the journal,
// run both directory reconstruction stages, build the path↔inode tree, and
// wire up the Restore Engine. Every shared index is read-only once this
// returns.
func Open(cfg Config) (*Analyzer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	storage, err := file.OpenFromPath(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", cfg.Device, err)
	}

	img, err := ext2.Open(storage)
	if err != nil {
		storage.Close()
		return nil, err
	}
	fs, err := ext2.OpenFileSystem(img)
	if err != nil {
		storage.Close()
		return nil, err
	}

	a := &Analyzer{Config: cfg, FS: fs, storage: storage, logger: logger}

	journalInode, err := fs.Image.ReadInode(fs.Superblock().JournalInode)
	if err != nil {
		logger.WithError(err).Warn("could not read journal inode; proceeding without journal evidence")
	} else {
		ja, err := journal.Analyze(fs, journalInode)
		if err != nil {
			logger.WithError(err).Warn("journal analysis failed; proceeding without journal evidence")
		} else {
			a.Journal = ja
		}
	}

	if err := a.runReconstruction(); err != nil {
		storage.Close()
		return nil, err
	}

	a.Restore = undelete.NewEngine(fs, a.Journal, a.Tree, cfg.OutputRoot, cfg.After)
	return a, nil
}

// runReconstruction performs Directory Stage 1, Stage 2, and the tree walk
// (spec.md §4.F–§4.H).
func (a *Analyzer) runReconstruction() error {
	cfg := a.Config
	sb := a.FS.Superblock()

	dirClassifyConfig := classify.Config{
		InodeCount:       sb.InodeCount,
		HasFiletype:      sb.Features.HasFiletype(),
		AcceptAll:        cfg.AcceptAll,
		Accept:           classify.NewAcceptList(cfg.Accept),
		CommandlineBlock: cfg.CommandlineBlock,
	}

	var journalBlocks classify.JournalBlocks
	if a.Journal != nil {
		journalBlocks = a.Journal
	}

	stage1Opts := recon.Stage1Options{
		Config:         dirClassifyConfig,
		Journal:        journalBlocks,
		IncludeJournal: true,
	}

	stage1, err := recon.RunStage1(a.FS, cfg.Device, stage1Opts)
	if err != nil {
		return fmt.Errorf("directory stage 1: %w", err)
	}
	a.Stage1 = stage1

	var evidence recon.JournalEvidence
	if a.Journal != nil {
		evidence = a.Journal
	}

	stage2, err := recon.RunStage2(a.FS, stage1, evidence, cfg.Device)
	if err != nil {
		return fmt.Errorf("directory stage 2: %w", err)
	}
	a.Stage2 = stage2

	skew := cfg.DeletedDirSkew
	tree, err := recon.Build(a.FS, stage2, evidence, recon.BuildOptions{
		MaxDepth:          cfg.MaxDepth,
		FilterAllocated:   cfg.FilterAllocated,
		FilterUnallocated: cfg.FilterUnallocated,
		FilterDeleted:     cfg.FilterDeleted,
		FilterDirsOnly:    cfg.DirectoryOnly,
		FilterReallocated: cfg.FilterReallocated,
		FilterZeroInode:   cfg.FilterZeroInode,
		After:             cfg.After,
		Before:            cfg.Before,
		DeletedDirSkew:    skew,
		Group:             cfg.Group,
	})
	if err != nil {
		return fmt.Errorf("directory tree builder: %w", err)
	}
	a.Tree = tree
	return nil
}

// Close releases the backing image.
func (a *Analyzer) Close() error {
	return a.FS.Image.Close()
}

// Superblock implements `--superblock`.
func (a *Analyzer) Superblock() *ext2.Superblock { return a.FS.Superblock() }

// Inode implements `--inode N`.
func (a *Analyzer) Inode(number uint32) (*ext2.Inode, error) {
	return a.FS.Image.ReadInode(number)
}

// Block implements `--block N`: the raw bytes of one filesystem block.
func (a *Analyzer) Block(number uint32) ([]byte, error) {
	return a.FS.Image.ReadBlock(number)
}

// JournalBlock implements `--journal-block N`: the descriptor tag whose
// data copy physically occupies journal block N, if any.
func (a *Analyzer) JournalBlock(number uint32) (journal.TagRef, bool) {
	if a.Journal == nil {
		return journal.TagRef{}, false
	}
	return a.Journal.GoverningDescriptor(number)
}

// JournalTransaction implements `--journal-transaction S`: the full set of
// descriptor tags filed under sequence S, and whether a commit record for
// it was found.
func (a *Analyzer) JournalTransaction(sequence uint32) (*journal.Transaction, bool) {
	if a.Journal == nil {
		return nil, false
	}
	for _, t := range a.Journal.Transactions {
		if t.Sequence == sequence {
			return t, true
		}
	}
	return nil, false
}

// ShowJournalInodes implements `--show-journal-inodes S`: every inode
// number whose on-disk slot transaction S's descriptor tags cover,
// derived from which inode-table blocks those tags name.
func (a *Analyzer) ShowJournalInodes(sequence uint32) ([]uint32, error) {
	txn, ok := a.JournalTransaction(sequence)
	if !ok {
		return nil, fmt.Errorf("no journal transaction with sequence %d", sequence)
	}
	seen := make(map[uint32]bool)
	var numbers []uint32
	for _, tag := range txn.Tags {
		if !classify.IsInodeBlock(a.FS, tag.FSBlock) {
			continue
		}
		for _, n := range a.inodeNumbersInTableBlock(tag.FSBlock) {
			if !seen[n] {
				seen[n] = true
				numbers = append(numbers, n)
			}
		}
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, nil
}

// inodeNumbersInTableBlock returns every inode number backed by fsBlock,
// one filesystem block's worth of consecutive inode-table slots.
func (a *Analyzer) inodeNumbersInTableBlock(fsBlock uint32) []uint32 {
	sb := a.FS.Superblock()
	inodesPerBlock := sb.BlockSize / uint32(sb.InodeSize)
	tableBlocks := (sb.InodesPerGroup * uint32(sb.InodeSize)) / sb.BlockSize
	for g, gd := range a.FS.Image.Groups {
		if fsBlock < gd.InodeTable || fsBlock >= gd.InodeTable+tableBlocks {
			continue
		}
		blockIndex := fsBlock - gd.InodeTable
		first := blockIndex*inodesPerBlock + uint32(g)*sb.InodesPerGroup + 1
		numbers := make([]uint32, inodesPerBlock)
		for i := range numbers {
			numbers[i] = first + uint32(i)
		}
		return numbers
	}
	return nil
}

// DumpNames implements the `--dump-names` action (SPEC_FULL.md §6
// supplemented feature): print every reconstructed path without restoring
// anything, in the order the tree was walked.
func (a *Analyzer) DumpNames(w io.Writer) error {
	for i, n := range a.Tree.Nodes {
		if n.Name == "" && i == a.Tree.Root {
			fmt.Fprintln(w, "/")
			continue
		}
		if n.Name == "" {
			continue
		}
		fmt.Fprintln(w, a.Tree.Path(n.Handle))
	}
	return nil
}

// HardlinkGroups implements `--show-hardlinks`: group every reconstructed
// path by the inode it names, returning only inodes with more than one
// surviving path (a real hard link, not just an artifact of scanning the
// same directory twice).
func (a *Analyzer) HardlinkGroups() map[uint32][]string {
	byInode := make(map[uint32][]string)
	for _, n := range a.Tree.Nodes {
		if n.Handle == a.Tree.Root || n.Name == "" {
			continue
		}
		byInode[n.Inode] = append(byInode[n.Inode], a.Tree.Path(n.Handle))
	}
	groups := make(map[uint32][]string)
	for inode, paths := range byInode {
		if len(paths) > 1 {
			sort.Strings(paths)
			groups[inode] = paths
		}
	}
	return groups
}

// HistogramKind names which inode timestamp (or block group) a histogram
// buckets by.
type HistogramKind string

const (
	HistogramAtime HistogramKind = "atime"
	HistogramCtime HistogramKind = "ctime"
	HistogramMtime HistogramKind = "mtime"
	HistogramDtime HistogramKind = "dtime"
	HistogramGroup HistogramKind = "group"
)

// HistogramCounts implements the data side of `--histogram={atime|ctime|
// mtime|dtime|group}` (spec.md §6 names the flag; spec.md §1 declares its
// *rendering* out of scope for the core). It walks every reconstructed
// node's inode and buckets by day (epoch-day for time-based kinds) or by
// block group, returning counts an external histogram-display collaborator
// can render however it likes.
func (a *Analyzer) HistogramCounts(kind HistogramKind) (map[uint32]int, error) {
	counts := make(map[uint32]int)
	for _, n := range a.Tree.Nodes {
		if n.Handle == a.Tree.Root {
			continue
		}
		inode, err := a.FS.Image.ReadInode(n.Inode)
		if err != nil {
			continue
		}
		var bucket uint32
		switch kind {
		case HistogramAtime:
			bucket = epochDay(inode.AccessTime)
		case HistogramCtime:
			bucket = epochDay(inode.ChangeTime)
		case HistogramMtime:
			bucket = epochDay(inode.ModifyTime)
		case HistogramDtime:
			if inode.DeletionTime == 0 {
				continue
			}
			bucket = epochDay(time.Unix(int64(inode.DeletionTime), 0))
		case HistogramGroup:
			g, _ := a.FS.Image.InodeGroup(n.Inode)
			bucket = g
		default:
			return nil, fmt.Errorf("unknown histogram kind %q", kind)
		}
		counts[bucket]++
	}
	return counts, nil
}

func epochDay(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix() / 86400)
}

// PickInode implements `--restore-inode`'s underlying lookup and the
// Undelete Selector directly (spec.md §4.I).
func (a *Analyzer) PickInode(number uint32) (undelete.Selection, error) {
	return undelete.PickInode(a.FS, a.Journal, number, a.Config.After)
}

// RestorePath implements `--restore-file P`: restore one reconstructed
// path, creating missing parent directories along the way.
func (a *Analyzer) RestorePath(p string) (undelete.Result, error) {
	if err := a.Restore.EnsureOutputRoot(); err != nil {
		return undelete.Result{}, err
	}
	return a.Restore.RestoreFile(ensureLeadingSlash(p))
}

// RestoreInodes implements `--restore-inode "N[,N]*"`: restore by inode
// number directly, writing to RESTORED_FILES/inode.<N> (spec.md §6) rather
// than through a reconstructed path, for inodes `--dump-names` never
// attached to one.
func (a *Analyzer) RestoreInodes(numbers []uint32) ([]undelete.Result, error) {
	if err := a.Restore.EnsureOutputRoot(); err != nil {
		return nil, err
	}
	results := make([]undelete.Result, 0, len(numbers))
	for _, n := range numbers {
		sel, err := a.PickInode(n)
		if err != nil {
			return results, err
		}
		result, err := a.Restore.RestoreByInode(n, sel, fmt.Sprintf("inode.%d", n))
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// RestoreAll implements `--restore-all`: restore every path the tree walk
// reconstructed, directories first implicitly (RestoreFile recurses into
// missing parents as needed), in path order for deterministic progress
// output (spec.md §5: console output order is part of observable
// behavior).
func (a *Analyzer) RestoreAll() ([]undelete.Result, error) {
	if err := a.Restore.EnsureOutputRoot(); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(a.Tree.Nodes))
	for p := range a.Tree.AllDirectories {
		paths = append(paths, p)
	}
	for p := range a.Tree.PathToInode {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	results := make([]undelete.Result, 0, len(paths))
	for _, p := range paths {
		if p == "/" {
			continue
		}
		result, err := a.Restore.RestoreFile(p)
		if err != nil {
			a.logger.WithError(err).Warnf("restoring %q", p)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// ensureLeadingSlash normalizes a caller-supplied path to the same leading-
// slash form recon.Tree keys its path indices by, so --restore-file accepts
// both "/etc/passwd" (what --dump-names prints) and "etc/passwd".
func ensureLeadingSlash(p string) string {
	if len(p) == 0 || p[0] != '/' {
		return "/" + p
	}
	return p
}

// InodeToBlock implements `--inode-to-block N`: the canonical directory
// block Stage 2 resolved for a directory inode, if any.
func (a *Analyzer) InodeToBlock(inode uint32) (uint32, bool) {
	b, ok := a.Stage2.CanonicalBlock[inode]
	return b, ok
}

// InodeDirblockTable implements `--inode-dirblock-table PATH`: persist the
// Stage 2 canonical-block table in the cache format, to an arbitrary
// caller-chosen path rather than the device-derived default.
func (a *Analyzer) InodeDirblockTable(path string) error {
	inodes := make([]uint32, 0, len(a.Stage2.CanonicalBlock))
	for i := range a.Stage2.CanonicalBlock {
		inodes = append(inodes, i)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })

	var body []byte
	for _, i := range inodes {
		body = append(body, []byte(fmt.Sprintf("%d %d\n", i, a.Stage2.CanonicalBlock[i]))...)
	}
	return cache.Write(path, body)
}

// SearchName implements `--search STR`: every reconstructed path whose
// final component contains str.
func (a *Analyzer) SearchName(str string) []string {
	var matches []string
	for _, n := range a.Tree.Nodes {
		if n.Handle != a.Tree.Root && containsFold(n.Name, str) {
			matches = append(matches, a.Tree.Path(n.Handle))
		}
	}
	sort.Strings(matches)
	return matches
}

// SearchStart implements `--search-start STR`: every reconstructed path
// whose final component starts with str.
func (a *Analyzer) SearchStart(str string) []string {
	var matches []string
	for _, n := range a.Tree.Nodes {
		if n.Handle != a.Tree.Root && hasPrefixFold(n.Name, str) {
			matches = append(matches, a.Tree.Path(n.Handle))
		}
	}
	sort.Strings(matches)
	return matches
}

// SearchInode implements `--search-inode N`: every reconstructed path that
// currently names inode, plus every journal copy of it (spec.md §4.E
// copies_of_inode), so the caller can see both where it lived and what
// history survives.
func (a *Analyzer) SearchInode(number uint32) (paths []string, copies []journal.InodeCopy, err error) {
	for _, n := range a.Tree.Nodes {
		if n.Inode == number && n.Handle != a.Tree.Root {
			paths = append(paths, a.Tree.Path(n.Handle))
		}
	}
	sort.Strings(paths)
	if a.Journal != nil {
		copies, err = a.Journal.CopiesOfInode(number)
		if err != nil {
			return paths, nil, err
		}
	}
	return paths, copies, nil
}

// SearchZeroedInodes implements `--search-zeroed-inodes`: every allocated
// inode slot whose mode, link count, size and block pointers are all zero
// (the other fields of the record are not checked), the signature of
// an inode table block that was zeroed out (e.g. by a later mkfs or a
// buggy tool) rather than normally recycled.
func (a *Analyzer) SearchZeroedInodes() ([]uint32, error) {
	sb := a.FS.Superblock()
	var zeroed []uint32
	for number := uint32(1); number <= sb.InodeCount; number++ {
		allocated, err := a.FS.Metadata.IsAllocatedInode(number)
		if err != nil || !allocated {
			continue
		}
		inode, err := a.FS.Image.ReadInode(number)
		if err != nil {
			continue
		}
		if inode.Mode == 0 && inode.LinksCount == 0 && inode.Size == 0 && inode.Block == [15]uint32{} {
			zeroed = append(zeroed, number)
		}
	}
	return zeroed, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}
