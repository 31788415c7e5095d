package ext2

import (
	"encoding/binary"
	"testing"
)

func putDirEntry(block []byte, offset int, inode uint32, recLen uint16, name string, fileType uint8) {
	binary.LittleEndian.PutUint32(block[offset:offset+4], inode)
	binary.LittleEndian.PutUint16(block[offset+4:offset+6], recLen)
	block[offset+6] = byte(len(name))
	block[offset+7] = fileType
	copy(block[offset+8:], name)
}

func TestDirentryRecLen(t *testing.T) {
	tests := []struct {
		nameLen int
		want    uint16
	}{
		{nameLen: 1, want: 12},
		{nameLen: 4, want: 12},
		{nameLen: 5, want: 16},
		{nameLen: 0, want: 8},
	}
	for _, tt := range tests {
		if got := direntryRecLen(tt.nameLen); got != tt.want {
			t.Errorf("direntryRecLen(%d) = %d, want %d", tt.nameLen, got, tt.want)
		}
	}
}

func TestWalkDirBlockWellFormed(t *testing.T) {
	block := make([]byte, 1024)
	putDirEntry(block, 0, 2, 12, ".", FileTypeDir)
	putDirEntry(block, 12, 2, 12, "..", FileTypeDir)
	putDirEntry(block, 24, 15, 1000, "lost+found", FileTypeDir)

	var got []string
	WalkDirBlock(block, func(e *DirEntry) bool {
		got = append(got, e.Name)
		return true
	})
	want := []string{".", "..", "lost+found"}
	if len(got) != len(want) {
		t.Fatalf("WalkDirBlock() visited %d entries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestWalkDirBlockStopsAtCorruption(t *testing.T) {
	block := make([]byte, 1024)
	putDirEntry(block, 0, 2, 12, ".", FileTypeDir)
	// A rec_len that overruns the block: the walk must stop here without
	// panicking or fabricating an entry.
	binary.LittleEndian.PutUint16(block[12+4:12+6], 0xFFFF)
	binary.LittleEndian.PutUint32(block[12:16], 9)
	block[12+6] = 1
	block[12+8] = 'x'

	var got []string
	WalkDirBlock(block, func(e *DirEntry) bool {
		got = append(got, e.Name)
		return true
	})
	if len(got) != 1 || got[0] != "." {
		t.Errorf("WalkDirBlock() = %v, want exactly [\".\"]", got)
	}
}

func TestWalkDirBlockCallerStops(t *testing.T) {
	block := make([]byte, 1024)
	putDirEntry(block, 0, 2, 12, ".", FileTypeDir)
	putDirEntry(block, 12, 2, 12, "..", FileTypeDir)

	var got []string
	WalkDirBlock(block, func(e *DirEntry) bool {
		got = append(got, e.Name)
		return false
	})
	if len(got) != 1 {
		t.Errorf("WalkDirBlock() visited %d entries after caller returned false, want 1", len(got))
	}
}
