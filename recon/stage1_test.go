package recon

import (
	"bytes"
	"encoding/binary"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ext3grep/ext3grep-go/backend"
	"github.com/ext3grep/ext3grep-go/classify"
	"github.com/ext3grep/ext3grep-go/ext2"
)

// memStorage is a minimal in-memory backend.Storage, enough to exercise
// Image/FileSystem without a real file or device (ext2.Image.ReadBlock
// only ever goes through ReadAt, never the mmap path, so this is
// sufficient for anything recon needs).
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
func (m memStorage) Close() error                { return nil }
func (m memStorage) Sys() (*os.File, error)      { return nil, backend.ErrNotSuitable }

func newMemStorage(data []byte) backend.Storage {
	return memStorage{Reader: bytes.NewReader(data), size: int64(len(data))}
}

const testBlockSize = 1024

// buildImage lays out a minimal one-group ext2 superblock + group
// descriptor table + empty block/inode bitmaps + inode table over nBlocks
// blocks, leaving the data region for the caller to fill in.
func buildImage(t *testing.T, nBlocks uint32) (*ext2.FileSystem, []byte) {
	t.Helper()
	const (
		inodesPerGroup = 32
		inodeSize      = 128
	)
	buf := make([]byte, int64(nBlocks)*testBlockSize)

	sbOff := ext2.SuperblockOffset
	binary.LittleEndian.PutUint32(buf[sbOff+0x0:], inodesPerGroup)      // s_inodes_count
	binary.LittleEndian.PutUint32(buf[sbOff+0x4:], nBlocks)             // s_blocks_count
	binary.LittleEndian.PutUint32(buf[sbOff+0x14:], 1)                  // s_first_data_block
	binary.LittleEndian.PutUint32(buf[sbOff+0x18:], 0)                  // s_log_block_size (1024 << 0)
	binary.LittleEndian.PutUint32(buf[sbOff+0x20:], nBlocks)            // s_blocks_per_group
	binary.LittleEndian.PutUint32(buf[sbOff+0x28:], inodesPerGroup)     // s_inodes_per_group
	binary.LittleEndian.PutUint16(buf[sbOff+0x38:], 0xEF53)             // s_magic
	binary.LittleEndian.PutUint32(buf[sbOff+0x54:], 11)                 // s_first_ino
	binary.LittleEndian.PutUint16(buf[sbOff+0x58:], inodeSize)          // s_inode_size
	binary.LittleEndian.PutUint32(buf[sbOff+0x5c:], ext2.FeatureCompatHasJournal) // s_feature_compat

	// Group descriptor table lives in the block right after the
	// superblock's own block (block 2 when block size is 1024).
	gdtBlock := 2
	gdtOff := gdtBlock * testBlockSize
	blockBitmapBlock := uint32(3)
	inodeBitmapBlock := uint32(4)
	inodeTableBlock := uint32(5)
	binary.LittleEndian.PutUint32(buf[gdtOff+0x0:], blockBitmapBlock)
	binary.LittleEndian.PutUint32(buf[gdtOff+0x4:], inodeBitmapBlock)
	binary.LittleEndian.PutUint32(buf[gdtOff+0x8:], inodeTableBlock)

	storage := newMemStorage(buf)
	img, err := ext2.Open(storage)
	if err != nil {
		t.Fatalf("ext2.Open() error = %v", err)
	}
	fs, err := ext2.OpenFileSystem(img)
	if err != nil {
		t.Fatalf("ext2.OpenFileSystem() error = %v", err)
	}
	return fs, buf
}

func putDirEntry(block []byte, offset int, inode uint32, recLen uint16, name string) {
	binary.LittleEndian.PutUint32(block[offset:offset+4], inode)
	binary.LittleEndian.PutUint16(block[offset+4:offset+6], recLen)
	block[offset+6] = byte(len(name))
	block[offset+7] = ext2.FileTypeDir
	copy(block[offset+8:], name)
}

func writeBlock(buf []byte, blocknr uint32, block []byte) {
	copy(buf[int64(blocknr)*testBlockSize:], block)
}

func TestScanStage1FindsStartAndExtendedBlocks(t *testing.T) {
	const nBlocks = 20
	fsys, buf := buildImage(t, nBlocks)

	startBlock := make([]byte, testBlockSize)
	putDirEntry(startBlock, 0, 11, 12, ".")
	putDirEntry(startBlock, 12, 2, uint16(testBlockSize-12), "..")
	writeBlock(buf, 10, startBlock)

	extBlock := make([]byte, testBlockSize)
	putDirEntry(extBlock, 0, 20, 20, "afile.txt")
	putDirEntry(extBlock, 20, 21, uint16(testBlockSize-20), "last")
	writeBlock(buf, 11, extBlock)

	cfg := classify.Config{InodeCount: 32, HasFiletype: true, Accept: classify.NewAcceptList(nil)}
	result, err := scanStage1(fsys, Stage1Options{Config: cfg, IncludeJournal: true})
	if err != nil {
		t.Fatalf("scanStage1() error = %v", err)
	}

	if got := result.DirInodeToBlock[11]; len(got) != 1 || got[0] != 10 {
		t.Errorf("DirInodeToBlock[11] = %v, want [10]", got)
	}
	found := false
	for _, b := range result.ExtendedBlocks {
		if b == 11 {
			found = true
		}
	}
	if !found {
		t.Errorf("ExtendedBlocks = %v, want to contain block 11", result.ExtendedBlocks)
	}
}

func TestEncodeDecodeStage1RoundTrips(t *testing.T) {
	result := &Stage1Result{
		DirInodeToBlock: map[uint32][]uint32{
			11: {10, 4096},
			2:  {20},
		},
		ExtendedBlocks: []uint32{30, 31, 9000},
	}

	encoded := encodeStage1("/dev/test", result)
	decoded, err := decodeStage1(append(encoded, []byte("# END\n")...))
	if err != nil {
		t.Fatalf("decodeStage1() error = %v", err)
	}

	if len(decoded.DirInodeToBlock) != 2 || len(decoded.DirInodeToBlock[11]) != 2 || decoded.DirInodeToBlock[11][1] != 4096 {
		t.Errorf("decoded.DirInodeToBlock = %v", decoded.DirInodeToBlock)
	}
	if len(decoded.ExtendedBlocks) != 3 || decoded.ExtendedBlocks[2] != 9000 {
		t.Errorf("decoded.ExtendedBlocks = %v", decoded.ExtendedBlocks)
	}
}

func TestRunStage1UsesValidCache(t *testing.T) {
	dir := t.TempDir()
	device := filepath.Join(dir, "image.bin")

	cachePath := device + ".ext3grep.stage1"
	if err := os.WriteFile(cachePath, []byte("# Stage 1 data.\n99 : 7\n# Extended directory blocks.\n# END\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() error = %v", err)
	}
	defer os.Chdir(wd)

	fsys, _ := buildImage(t, 20)
	result, err := RunStage1(fsys, device, Stage1Options{Config: classify.Config{InodeCount: 32, Accept: classify.NewAcceptList(nil)}})
	if err != nil {
		t.Fatalf("RunStage1() error = %v", err)
	}
	if got := result.DirInodeToBlock[99]; len(got) != 1 || got[0] != 7 {
		t.Errorf("RunStage1() did not honor existing cache: DirInodeToBlock[99] = %v, want [7]", got)
	}
}
