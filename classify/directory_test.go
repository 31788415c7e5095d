package classify

import (
	"encoding/binary"
	"testing"

	"github.com/ext3grep/ext3grep-go/ext2"
)

func putEntry(block []byte, offset int, inode uint32, recLen uint16, name string, fileType uint8) {
	binary.LittleEndian.PutUint32(block[offset:offset+4], inode)
	binary.LittleEndian.PutUint16(block[offset+4:offset+6], recLen)
	block[offset+6] = byte(len(name))
	block[offset+7] = fileType
	copy(block[offset+8:], name)
}

func wellFormedStartBlock(blockSize int) []byte {
	block := make([]byte, blockSize)
	putEntry(block, 0, 2, 12, ".", ext2.FileTypeDir)
	putEntry(block, 12, 2, 12, "..", ext2.FileTypeDir)
	putEntry(block, 24, 15, uint16(blockSize-24), "lost+found", ext2.FileTypeDir)
	return block
}

func TestIsDirectoryStartBlock(t *testing.T) {
	block := wellFormedStartBlock(1024)
	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()

	v := IsDirectory(cfg, block, 100, stats, true, true)
	if v != Start {
		t.Fatalf("IsDirectory() = %v, want Start", v)
	}
	if stats.NumEntries != 3 {
		t.Errorf("NumEntries = %d, want 3", stats.NumEntries)
	}
}

func TestIsDirectoryRejectsNonStartWhenStartRequested(t *testing.T) {
	block := make([]byte, 1024)
	putEntry(block, 0, 15, 1024, "somefile", ext2.FileTypeRegular)
	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()

	v := IsDirectory(cfg, block, 100, stats, true, true)
	if v != No {
		t.Errorf("IsDirectory() = %v, want No (not a '.'/'..' start)", v)
	}
}

func TestIsDirectoryExtendedBlockAccepted(t *testing.T) {
	block := make([]byte, 1024)
	putEntry(block, 0, 20, 20, "afile.txt", ext2.FileTypeRegular)
	putEntry(block, 20, 21, 1004, "bfile.txt", ext2.FileTypeRegular)
	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()

	v := IsDirectory(cfg, block, 200, stats, false, false)
	if v != Extended {
		t.Fatalf("IsDirectory() = %v, want Extended", v)
	}
}

func TestIsDirectoryInodeOutOfRangeRejected(t *testing.T) {
	block := make([]byte, 1024)
	putEntry(block, 0, 999999, 1024, "afile.txt", ext2.FileTypeRegular)
	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()

	if v := IsDirectory(cfg, block, 200, stats, false, false); v != No {
		t.Errorf("IsDirectory() = %v, want No (inode out of range)", v)
	}
}

func TestIsDirectorySingleWeirdCharacterRejectedUnlessAcceptAll(t *testing.T) {
	block := make([]byte, 1024)
	putEntry(block, 0, 20, 12, "*", ext2.FileTypeRegular)
	putEntry(block, 12, 21, 1012, "rest.txt", ext2.FileTypeRegular)

	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()
	if v := IsDirectory(cfg, block, 200, stats, false, false); v != No {
		t.Errorf("IsDirectory() = %v, want No (single unlikely-character name)", v)
	}

	cfg.AcceptAll = true
	stats = NewStats()
	if v := IsDirectory(cfg, block, 200, stats, false, false); v != Extended {
		t.Errorf("IsDirectory() with AcceptAll = %v, want Extended", v)
	}
}

func TestIsDirectoryZeroInodePlausibleNameAccepted(t *testing.T) {
	block := make([]byte, 1024)
	putEntry(block, 0, 0, 1024, "deleted.txt", ext2.FileTypeRegular)
	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()

	v := IsDirectory(cfg, block, 200, stats, false, false)
	if v != Extended {
		t.Errorf("IsDirectory() = %v, want Extended (zero inode but plausible name is accepted as a deleted tail entry)", v)
	}
}

func TestIsDirectoryRecLenOverrunRejected(t *testing.T) {
	block := make([]byte, 1024)
	putEntry(block, 0, 20, 0xFFFF, "x", ext2.FileTypeRegular)
	cfg := Config{InodeCount: 1000, HasFiletype: true, Accept: NewAcceptList(nil)}
	stats := NewStats()

	if v := IsDirectory(cfg, block, 200, stats, false, false); v != No {
		t.Errorf("IsDirectory() = %v, want No (rec_len overruns block)", v)
	}
}
