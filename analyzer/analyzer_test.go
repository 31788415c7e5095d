package analyzer

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ext3grep/ext3grep-go/backend"
	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/ext3grep/ext3grep-go/recon"
)

type memStorage struct {
	*bytes.Reader
	size int64
}
type memFileInfo struct{ size int64 }

func (fi memFileInfo) Name() string       { return "memimage" }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return false }
func (fi memFileInfo) Sys() any           { return nil }

func (m memStorage) Stat() (fs.FileInfo, error) { return memFileInfo{m.size}, nil }
func (m memStorage) Close() error               { return nil }
func (m memStorage) Sys() (*os.File, error)     { return nil, backend.ErrNotSuitable }

const blockSize = 1024

// buildImage lays out a minimal one-group ext2 image, mirroring the
// fixture recon and undelete build independently in their own packages.
func buildImage(t *testing.T, nBlocks uint32) (*ext2.FileSystem, []byte) {
	t.Helper()
	const (
		inodesPerGroup = 32
		inodeSize      = 128
	)
	buf := make([]byte, int64(nBlocks)*blockSize)

	sbOff := ext2.SuperblockOffset
	binary.LittleEndian.PutUint32(buf[sbOff+0x0:], inodesPerGroup)
	binary.LittleEndian.PutUint32(buf[sbOff+0x4:], nBlocks)
	binary.LittleEndian.PutUint32(buf[sbOff+0x14:], 1)
	binary.LittleEndian.PutUint32(buf[sbOff+0x18:], 0)
	binary.LittleEndian.PutUint32(buf[sbOff+0x20:], nBlocks)
	binary.LittleEndian.PutUint32(buf[sbOff+0x28:], inodesPerGroup)
	binary.LittleEndian.PutUint16(buf[sbOff+0x38:], 0xEF53)
	binary.LittleEndian.PutUint16(buf[sbOff+0x58:], inodeSize)
	binary.LittleEndian.PutUint32(buf[sbOff+0x5c:], ext2.FeatureCompatHasJournal)

	gdtOff := 2 * blockSize
	binary.LittleEndian.PutUint32(buf[gdtOff+0x0:], 3) // block bitmap
	binary.LittleEndian.PutUint32(buf[gdtOff+0x4:], 4) // inode bitmap
	binary.LittleEndian.PutUint32(buf[gdtOff+0x8:], 5) // inode table

	storage := memStorage{Reader: bytes.NewReader(buf), size: int64(len(buf))}
	img, err := ext2.Open(storage)
	if err != nil {
		t.Fatalf("ext2.Open() error = %v", err)
	}
	fsys, err := ext2.OpenFileSystem(img)
	if err != nil {
		t.Fatalf("ext2.OpenFileSystem() error = %v", err)
	}
	return fsys, buf
}

func writeInode(buf []byte, number uint32, kind ext2.Kind, linksCount uint16, dtime uint32, block0 uint32) {
	const inodeTableBlock = 5
	const inodeSize = 128
	off := inodeTableBlock*blockSize + int(number-1)*inodeSize
	mode := uint16(kind) << 12
	binary.LittleEndian.PutUint16(buf[off+0x0:], mode)
	binary.LittleEndian.PutUint16(buf[off+0x1a:], linksCount)
	binary.LittleEndian.PutUint32(buf[off+0x14:], dtime)
	binary.LittleEndian.PutUint32(buf[off+0x28:], block0)
}

func setInodeBitmap(buf []byte, number uint32) {
	const inodeBitmapBlock = 4
	idx := int(number - 1)
	buf[inodeBitmapBlock*blockSize+idx/8] |= 1 << uint(idx%8)
}

func putDirEntry(block []byte, offset int, inode uint32, recLen uint16, name string) {
	binary.LittleEndian.PutUint32(block[offset:], inode)
	binary.LittleEndian.PutUint16(block[offset+4:], recLen)
	block[offset+6] = uint8(len(name))
	copy(block[offset+8:], name)
}

func writeBlock(buf []byte, blocknr uint32, block []byte) {
	copy(buf[int(blocknr)*blockSize:], block)
}

// buildTestAnalyzer assembles a two-entry directory tree (one live file,
// two names sharing an inode as a hard link) without going through Open,
// since Open needs a real path on disk via backend/file.
func buildTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	fsys, buf := buildImage(t, 20)

	root := make([]byte, blockSize)
	putDirEntry(root, 0, recon.RootInode, 12, ".")
	putDirEntry(root, 12, recon.RootInode, 12, "..")
	putDirEntry(root, 24, 12, 20, "alpha.txt")
	putDirEntry(root, 44, 12, uint16(blockSize-44), "beta.txt")
	writeBlock(buf, 10, root)
	writeInode(buf, recon.RootInode, ext2.KindDirectory, 2, 0, 10)
	writeInode(buf, 12, ext2.KindRegular, 2, 0, 0)
	setInodeBitmap(buf, recon.RootInode)
	setInodeBitmap(buf, 12)

	stage2 := &recon.Stage2Result{
		CanonicalBlock: map[uint32]uint32{recon.RootInode: 10},
		ExtendedOwner:  map[uint32]uint32{},
	}
	tree, err := recon.Build(fsys, stage2, nil, recon.BuildOptions{})
	if err != nil {
		t.Fatalf("recon.Build() error = %v", err)
	}

	return &Analyzer{
		Config: Config{},
		FS:     fsys,
		Stage2: stage2,
		Tree:   tree,
	}
}

func TestDumpNamesListsEveryPath(t *testing.T) {
	a := buildTestAnalyzer(t)
	var buf bytes.Buffer
	if err := a.DumpNames(&buf); err != nil {
		t.Fatalf("DumpNames() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"/alpha.txt", "/beta.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("DumpNames() output %q missing %q", out, want)
		}
	}
}

func TestHardlinkGroupsFindsSharedInode(t *testing.T) {
	a := buildTestAnalyzer(t)
	groups := a.HardlinkGroups()
	paths, ok := groups[12]
	if !ok {
		t.Fatalf("HardlinkGroups() = %v, want an entry for inode 12", groups)
	}
	if len(paths) != 2 || paths[0] != "/alpha.txt" || paths[1] != "/beta.txt" {
		t.Errorf("HardlinkGroups()[12] = %v, want [/alpha.txt /beta.txt]", paths)
	}
}

func TestSearchNameAndSearchStart(t *testing.T) {
	a := buildTestAnalyzer(t)

	got := a.SearchName("lpha")
	if len(got) != 1 || got[0] != "/alpha.txt" {
		t.Errorf("SearchName(%q) = %v, want [/alpha.txt]", "lpha", got)
	}

	got = a.SearchStart("beta")
	if len(got) != 1 || got[0] != "/beta.txt" {
		t.Errorf("SearchStart(%q) = %v, want [/beta.txt]", "beta", got)
	}

	if got := a.SearchName("nope"); len(got) != 0 {
		t.Errorf("SearchName(%q) = %v, want none", "nope", got)
	}
}

func TestInodeToBlockUsesStage2CanonicalBlock(t *testing.T) {
	a := buildTestAnalyzer(t)
	block, ok := a.InodeToBlock(recon.RootInode)
	if !ok || block != 10 {
		t.Errorf("InodeToBlock(root) = (%d, %v), want (10, true)", block, ok)
	}
	if _, ok := a.InodeToBlock(999); ok {
		t.Errorf("InodeToBlock(999) ok = true, want false for an unknown directory")
	}
}

func TestHistogramCountsByGroup(t *testing.T) {
	a := buildTestAnalyzer(t)
	counts, err := a.HistogramCounts(HistogramGroup)
	if err != nil {
		t.Fatalf("HistogramCounts() error = %v", err)
	}
	if counts[0] != 2 {
		t.Errorf("HistogramCounts(group)[0] = %d, want 2 (alpha.txt and beta.txt both name inode 12 in group 0)", counts[0])
	}
}

func TestHistogramCountsRejectsUnknownKind(t *testing.T) {
	a := buildTestAnalyzer(t)
	if _, err := a.HistogramCounts(HistogramKind("bogus")); err == nil {
		t.Error("HistogramCounts(bogus) error = nil, want an error for an unknown kind")
	}
}

func TestSearchZeroedInodesFindsAllZeroAllocatedSlot(t *testing.T) {
	fsys, buf := buildImage(t, 20)
	writeInode(buf, recon.RootInode, ext2.KindDirectory, 2, 0, 10)
	setInodeBitmap(buf, recon.RootInode)
	// Inode 13 is marked allocated but its record, including the mode, is
	// left zero: the signature of a zeroed-out inode table block.
	setInodeBitmap(buf, 13)

	a := &Analyzer{FS: fsys}
	zeroed, err := a.SearchZeroedInodes()
	if err != nil {
		t.Fatalf("SearchZeroedInodes() error = %v", err)
	}
	if len(zeroed) != 1 || zeroed[0] != 13 {
		t.Errorf("SearchZeroedInodes() = %v, want [13]", zeroed)
	}
}
