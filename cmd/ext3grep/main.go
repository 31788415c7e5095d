// Command ext3grep is a forensic and undelete tool for ext2/ext3-family
// filesystems: given a read-only image, it reconstructs the directory tree
// as it existed before deletions, mines the journal for older copies of
// metadata, and restores files, directories, and symlinks.
package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ext3grep/ext3grep-go/analyzer"
	"github.com/ext3grep/ext3grep-go/undelete"
	"github.com/ext3grep/ext3grep-go/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagSuperblock          bool
	flagInode               uint32
	flagBlock               uint32
	flagJournal             bool
	flagJournalBlock        uint32
	flagJournalTransaction  uint32
	flagDumpNames           bool
	flagRestoreFile         []string
	flagRestoreInode        string
	flagRestoreAll          bool
	flagShowHardlinks       bool
	flagShowJournalInodes   uint32
	flagInodeToBlock        uint32
	flagSearch              string
	flagSearchStart         string
	flagSearchInode         uint32
	flagSearchZeroedInodes  bool
	flagHistogram           string
	flagInodeDirblockTable  string

	flagGroup       uint32
	flagDirectory   bool
	flagAfter       string
	flagBefore      string
	flagDeleted     bool
	flagAllocated   bool
	flagUnallocated bool
	flagReallocated bool
	flagZeroedInodes bool
	flagDepth       int
	flagAccept      []string
	flagAcceptAll   bool

	flagPrint          bool
	flagLs             bool
	flagShowPathInodes bool

	flagOutputRoot string
)

// usageError marks a condition spec.md §7 classifies as UserInput:
// fatal, exit code 2, reported before any scan begins.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:   "ext3grep IMAGE",
	Short: "Recover deleted files and directories from an ext2/ext3 image",
	Long: `ext3grep reconstructs the directory tree of a read-only ext2/ext3
image as it existed before deletions, mines the ext3 journal for older
copies of metadata, and restores files, directories, and symlinks to
RESTORED_FILES/.

Exactly one action flag selects what the tool does for a given run;
filter and display flags narrow or format that action's output.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func init() {
	flags := rootCmd.Flags()

	flags.BoolVar(&flagSuperblock, "superblock", false, "print the parsed superblock")
	flags.Uint32Var(&flagInode, "inode", 0, "print one inode's fields")
	flags.Uint32Var(&flagBlock, "block", 0, "dump one raw block")
	flags.BoolVar(&flagJournal, "journal", false, "summarize the journal's transactions")
	flags.Uint32Var(&flagJournalBlock, "journal-block", 0, "show which descriptor governs a journal block")
	flags.Uint32Var(&flagJournalTransaction, "journal-transaction", 0, "show one journal transaction's tags")
	flags.BoolVar(&flagDumpNames, "dump-names", false, "print every reconstructed path")
	flags.StringArrayVar(&flagRestoreFile, "restore-file", nil, "restore one reconstructed path (repeatable)")
	flags.StringVar(&flagRestoreInode, "restore-inode", "", "restore one or more inode numbers, comma-separated")
	flags.BoolVar(&flagRestoreAll, "restore-all", false, "restore every reconstructed path")
	flags.BoolVar(&flagShowHardlinks, "show-hardlinks", false, "list inodes reachable by more than one path")
	flags.Uint32Var(&flagShowJournalInodes, "show-journal-inodes", 0, "list inodes touched by a journal transaction")
	flags.Uint32Var(&flagInodeToBlock, "inode-to-block", 0, "print a directory inode's canonical block")
	flags.StringVar(&flagSearch, "search", "", "list paths whose name contains a string")
	flags.StringVar(&flagSearchStart, "search-start", "", "list paths whose name starts with a string")
	flags.Uint32Var(&flagSearchInode, "search-inode", 0, "list paths and journal copies for one inode")
	flags.BoolVar(&flagSearchZeroedInodes, "search-zeroed-inodes", false, "list allocated inodes whose mode, links, size and block pointers are all zero")
	flags.StringVar(&flagHistogram, "histogram", "", "bucket counts by atime|ctime|mtime|dtime|group")
	flags.StringVar(&flagInodeDirblockTable, "inode-dirblock-table", "", "write the canonical-block table to PATH")

	flags.Uint32Var(&flagGroup, "group", 0, "restrict to inodes in this block group")
	flags.BoolVar(&flagDirectory, "directory", false, "restrict to directories")
	flags.StringVar(&flagAfter, "after", "", "restrict to entries deleted at or after this time (RFC3339)")
	flags.StringVar(&flagBefore, "before", "", "restrict to entries deleted at or before this time (RFC3339)")
	flags.BoolVar(&flagDeleted, "deleted", false, "restrict to deleted entries")
	flags.BoolVar(&flagAllocated, "allocated", false, "restrict to allocated (live) entries")
	flags.BoolVar(&flagUnallocated, "unallocated", false, "restrict to unallocated entries")
	flags.BoolVar(&flagReallocated, "reallocated", false, "restrict to entries whose inode was reused")
	flags.BoolVar(&flagZeroedInodes, "zeroed-inodes", false, "include directory entries pointing at inode 0")
	flags.IntVar(&flagDepth, "depth", 0, "limit directory tree depth (0 = unlimited)")
	flags.StringArrayVar(&flagAccept, "accept", nil, "allow a filename containing unlikely characters (repeatable)")
	flags.BoolVar(&flagAcceptAll, "accept-all", false, "allow every filename regardless of character content")

	flags.BoolVar(&flagPrint, "print", false, "also print directory entry details")
	flags.BoolVar(&flagLs, "ls", false, "format output like ls -la")
	flags.BoolVar(&flagShowPathInodes, "show-path-inodes", false, "print the inode number alongside each path")

	flags.StringVar(&flagOutputRoot, "output", "", "restore destination (default RESTORED_FILES)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ext3grep: %v\n", err)
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// run dispatches to exactly one action, per spec.md §6's "one action
// option among" rule.
func run(device string) error {
	actions, err := collectActions()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return usageError{"no action flag given; see --help for the list of actions"}
	}
	if len(actions) > 1 {
		return usageError{fmt.Sprintf("more than one action flag given: %s", strings.Join(actions, ", "))}
	}

	cfg, err := buildConfig(device)
	if err != nil {
		return err
	}

	a, err := analyzer.Open(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return dispatch(a, actions[0])
}

// collectActions names every action flag the user actually set, so
// mutual exclusivity can be checked uniformly regardless of flag type.
func collectActions() ([]string, error) {
	var actions []string
	add := func(set bool, name string) {
		if set {
			actions = append(actions, name)
		}
	}
	add(flagSuperblock, "--superblock")
	add(rootCmd.Flags().Changed("inode"), "--inode")
	add(rootCmd.Flags().Changed("block"), "--block")
	add(flagJournal, "--journal")
	add(rootCmd.Flags().Changed("journal-block"), "--journal-block")
	add(rootCmd.Flags().Changed("journal-transaction"), "--journal-transaction")
	add(flagDumpNames, "--dump-names")
	add(len(flagRestoreFile) > 0, "--restore-file")
	add(flagRestoreInode != "", "--restore-inode")
	add(flagRestoreAll, "--restore-all")
	add(flagShowHardlinks, "--show-hardlinks")
	add(rootCmd.Flags().Changed("show-journal-inodes"), "--show-journal-inodes")
	add(rootCmd.Flags().Changed("inode-to-block"), "--inode-to-block")
	add(flagSearch != "", "--search")
	add(flagSearchStart != "", "--search-start")
	add(rootCmd.Flags().Changed("search-inode"), "--search-inode")
	add(flagSearchZeroedInodes, "--search-zeroed-inodes")
	add(flagHistogram != "", "--histogram")
	add(flagInodeDirblockTable != "", "--inode-dirblock-table")
	return actions, nil
}

func buildConfig(device string) (analyzer.Config, error) {
	cfg := analyzer.Config{
		Device:            device,
		OutputRoot:        flagOutputRoot,
		DirectoryOnly:     flagDirectory,
		FilterDeleted:     flagDeleted,
		FilterAllocated:   flagAllocated,
		FilterUnallocated: flagUnallocated,
		FilterReallocated: flagReallocated,
		FilterZeroInode:   flagZeroedInodes,
		MaxDepth:          flagDepth,
		AcceptAll:         flagAcceptAll,
		Accept:            flagAccept,
		Logger:            logrus.StandardLogger(),
	}

	if rootCmd.Flags().Changed("group") {
		g := flagGroup
		cfg.Group = &g
	}
	if rootCmd.Flags().Changed("block") {
		b := flagBlock
		cfg.CommandlineBlock = &b
	}
	if flagAfter != "" {
		t, err := parseTime(flagAfter)
		if err != nil {
			return cfg, usageError{fmt.Sprintf("--after: %v", err)}
		}
		cfg.After = t
	}
	if flagBefore != "" {
		t, err := parseTime(flagBefore)
		if err != nil {
			return cfg, usageError{fmt.Sprintf("--before: %v", err)}
		}
		cfg.Before = t
	}
	return cfg, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("not an RFC3339 timestamp or unix epoch seconds: %q", s)
}

func dispatch(a *analyzer.Analyzer, action string) error {
	switch action {
	case "--superblock":
		return printSuperblock(a)
	case "--inode":
		return printInode(a, flagInode)
	case "--block":
		return printBlock(a, flagBlock)
	case "--journal":
		return printJournalSummary(a)
	case "--journal-block":
		return printJournalBlock(a, flagJournalBlock)
	case "--journal-transaction":
		return printJournalTransaction(a, flagJournalTransaction)
	case "--dump-names":
		if !flagShowPathInodes {
			return a.DumpNames(os.Stdout)
		}
		var buf strings.Builder
		if err := a.DumpNames(&buf); err != nil {
			return err
		}
		return printPaths(a, strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n"))
	case "--restore-file":
		return restoreFiles(a, flagRestoreFile)
	case "--restore-inode":
		return restoreInodes(a, flagRestoreInode)
	case "--restore-all":
		return restoreAll(a)
	case "--show-hardlinks":
		return printHardlinks(a)
	case "--show-journal-inodes":
		return printJournalInodes(a, flagShowJournalInodes)
	case "--inode-to-block":
		return printInodeToBlock(a, flagInodeToBlock)
	case "--search":
		return printPaths(a, a.SearchName(flagSearch))
	case "--search-start":
		return printPaths(a, a.SearchStart(flagSearchStart))
	case "--search-inode":
		return printSearchInode(a, flagSearchInode)
	case "--search-zeroed-inodes":
		return printZeroedInodes(a)
	case "--histogram":
		return printHistogram(a, flagHistogram)
	case "--inode-dirblock-table":
		return a.InodeDirblockTable(flagInodeDirblockTable)
	default:
		return usageError{fmt.Sprintf("unknown action %q", action)}
	}
}

func printSuperblock(a *analyzer.Analyzer) error {
	sb := a.Superblock()
	fmt.Printf("Inode count:      %d\n", sb.InodeCount)
	fmt.Printf("Block count:      %d\n", sb.BlockCount)
	fmt.Printf("Block size:       %d\n", sb.BlockSize)
	fmt.Printf("Blocks per group: %d\n", sb.BlocksPerGroup)
	fmt.Printf("Inodes per group: %d\n", sb.InodesPerGroup)
	fmt.Printf("Inode size:       %d\n", sb.InodeSize)
	fmt.Printf("Groups:           %d\n", sb.GroupCount)
	fmt.Printf("Journal inode:    %d\n", sb.JournalInode)
	fmt.Printf("Last orphan:      %d\n", sb.LastOrphan)
	fmt.Printf("Volume name:      %q\n", sb.VolumeName)
	return nil
}

func printInode(a *analyzer.Analyzer, number uint32) error {
	inode, err := a.Inode(number)
	if err != nil {
		return err
	}
	fmt.Printf("Inode %d:\n", number)
	fmt.Printf("  Kind:         %d\n", inode.Kind())
	fmt.Printf("  Links:        %d\n", inode.LinksCount)
	fmt.Printf("  Size:         %d\n", inode.Size)
	fmt.Printf("  Deleted:      %v\n", inode.IsDeleted())
	fmt.Printf("  Dtime:        %d\n", inode.DeletionTime)
	fmt.Printf("  Atime:        %s\n", inode.AccessTime)
	fmt.Printf("  Mtime:        %s\n", inode.ModifyTime)
	fmt.Printf("  Ctime:        %s\n", inode.ChangeTime)
	fmt.Printf("  Direct blocks: %v\n", inode.DirectBlocks())
	return nil
}

func printBlock(a *analyzer.Analyzer, number uint32) error {
	data, err := a.Block(number)
	if err != nil {
		return err
	}
	fmt.Printf("Block %d (%d bytes):\n", number, len(data))
	fmt.Print(util.DumpByteSlice(data, 16, true, true, false, nil))
	return nil
}

func printJournalSummary(a *analyzer.Analyzer) error {
	if a.Journal == nil {
		return fmt.Errorf("filesystem has no usable journal")
	}
	fmt.Printf("Journal blocks:  [%d, %d)\n", a.Journal.MinBlock, a.Journal.MaxBlock)
	fmt.Printf("Wrapped:         %v\n", a.Journal.Wrapped)
	fmt.Printf("Transactions:    %d\n", len(a.Journal.Transactions))
	for _, t := range a.Journal.Transactions {
		fmt.Printf("  sequence %d: %d tags, committed=%v\n", t.Sequence, len(t.Tags), t.Committed)
	}
	fmt.Printf("Revoke blocks:   %d\n", len(a.Journal.Revokes))
	return nil
}

func printJournalBlock(a *analyzer.Analyzer, number uint32) error {
	tag, ok := a.JournalBlock(number)
	if !ok {
		return fmt.Errorf("journal block %d is not governed by any descriptor", number)
	}
	fmt.Printf("Journal block %d holds a copy of fs block %d, sequence %d, deleted=%v\n",
		number, tag.FSBlock, tag.Sequence, tag.Deleted())
	return nil
}

func printJournalTransaction(a *analyzer.Analyzer, sequence uint32) error {
	txn, ok := a.JournalTransaction(sequence)
	if !ok {
		return fmt.Errorf("no journal transaction with sequence %d", sequence)
	}
	fmt.Printf("Transaction %d: committed=%v, %d tags\n", txn.Sequence, txn.Committed, len(txn.Tags))
	for _, tag := range txn.Tags {
		fmt.Printf("  fs block %d <- journal block %d, deleted=%v\n", tag.FSBlock, tag.JournalBlock, tag.Deleted())
	}
	return nil
}

func restoreFiles(a *analyzer.Analyzer, paths []string) error {
	for _, p := range paths {
		result, err := a.RestorePath(p)
		if err != nil {
			return err
		}
		printRestoreResult(result)
	}
	return nil
}

func restoreInodes(a *analyzer.Analyzer, spec string) error {
	numbers, err := parseInodeList(spec)
	if err != nil {
		return usageError{err.Error()}
	}
	results, err := a.RestoreInodes(numbers)
	for _, r := range results {
		printRestoreResult(r)
	}
	return err
}

func parseInodeList(spec string) ([]uint32, error) {
	var numbers []uint32
	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("--restore-inode: bad inode number %q", field)
		}
		numbers = append(numbers, uint32(n))
	}
	if len(numbers) == 0 {
		return nil, fmt.Errorf("--restore-inode: no inode numbers given")
	}
	return numbers, nil
}

func restoreAll(a *analyzer.Analyzer) error {
	results, err := a.RestoreAll()
	for _, r := range results {
		printRestoreResult(r)
	}
	return err
}

func printRestoreResult(r undelete.Result) {
	if r.Skipped {
		fmt.Printf("skipped %s: %s\n", r.Path, r.Warning)
		return
	}
	fmt.Printf("restored %s (%s)\n", r.Path, r.Source)
	if r.Warning != "" {
		fmt.Printf("  warning: %s\n", r.Warning)
	}
}

func printHardlinks(a *analyzer.Analyzer) error {
	groups := a.HardlinkGroups()
	inodes := make([]uint32, 0, len(groups))
	for i := range groups {
		inodes = append(inodes, i)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	for _, i := range inodes {
		fmt.Printf("inode %d:\n", i)
		for _, p := range groups[i] {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}

func printJournalInodes(a *analyzer.Analyzer, sequence uint32) error {
	numbers, err := a.ShowJournalInodes(sequence)
	if err != nil {
		return err
	}
	for _, n := range numbers {
		fmt.Println(n)
	}
	return nil
}

func printInodeToBlock(a *analyzer.Analyzer, number uint32) error {
	block, ok := a.InodeToBlock(number)
	if !ok {
		return fmt.Errorf("no canonical block known for inode %d", number)
	}
	fmt.Println(block)
	return nil
}

// printPaths lists paths one per line, appending the resolved inode number
// when --show-path-inodes is set (spec.md §6 display option).
func printPaths(a *analyzer.Analyzer, paths []string) error {
	for _, p := range paths {
		if flagShowPathInodes {
			if inode, _, ok := a.Tree.Resolve(p); ok {
				fmt.Printf("%s (inode %d)\n", p, inode)
				continue
			}
		}
		fmt.Println(p)
	}
	return nil
}

func printSearchInode(a *analyzer.Analyzer, number uint32) error {
	paths, copies, err := a.SearchInode(number)
	if err != nil {
		return err
	}
	fmt.Printf("Paths naming inode %d:\n", number)
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}
	fmt.Printf("Journal copies (newest first):\n")
	for _, c := range copies {
		fmt.Printf("  sequence %d, deleted=%v\n", c.Sequence, c.Deleted)
	}
	return nil
}

func printZeroedInodes(a *analyzer.Analyzer) error {
	numbers, err := a.SearchZeroedInodes()
	if err != nil {
		return err
	}
	for _, n := range numbers {
		fmt.Println(n)
	}
	return nil
}

func printHistogram(a *analyzer.Analyzer, kind string) error {
	k := analyzer.HistogramKind(kind)
	switch k {
	case analyzer.HistogramAtime, analyzer.HistogramCtime, analyzer.HistogramMtime,
		analyzer.HistogramDtime, analyzer.HistogramGroup:
	default:
		return usageError{fmt.Sprintf("--histogram: unknown kind %q", kind)}
	}
	counts, err := a.HistogramCounts(k)
	if err != nil {
		return err
	}
	buckets := make([]uint32, 0, len(counts))
	for b := range counts {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	for _, b := range buckets {
		fmt.Printf("%d %d\n", b, counts[b])
	}
	return nil
}
