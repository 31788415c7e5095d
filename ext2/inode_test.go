package ext2

import (
	"encoding/binary"
	"testing"
)

func rawInodeBytes(mode uint16, linksCount uint16, dtime uint32, atime uint32, block0 uint32) []byte {
	b := make([]byte, inodeSizeRev0)
	binary.LittleEndian.PutUint16(b[0x0:0x2], mode)
	binary.LittleEndian.PutUint32(b[0x8:0xc], atime)
	binary.LittleEndian.PutUint32(b[0x14:0x18], dtime)
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], linksCount)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], block0)
	return b
}

func TestInodeFromBytesTooShort(t *testing.T) {
	if _, err := inodeFromBytes(make([]byte, 10), 2); err == nil {
		t.Errorf("inodeFromBytes() on short input = nil error, want error")
	}
}

func TestInodeKind(t *testing.T) {
	tests := []struct {
		name string
		mode uint16
		want Kind
	}{
		{name: "regular", mode: 0x8000 | 0644, want: KindRegular},
		{name: "directory", mode: 0x4000 | 0755, want: KindDirectory},
		{name: "symlink", mode: 0xA000 | 0777, want: KindSymlink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, err := inodeFromBytes(rawInodeBytes(tt.mode, 1, 0, 0, 5), 2)
			if err != nil {
				t.Fatalf("inodeFromBytes() error = %v", err)
			}
			if got := i.Kind(); got != tt.want {
				t.Errorf("Kind() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestInodeIsDeleted(t *testing.T) {
	tests := []struct {
		name       string
		mode       uint16
		linksCount uint16
		block0     uint32
		want       bool
	}{
		{name: "live regular file", mode: 0x8000 | 0644, linksCount: 1, block0: 5, want: false},
		{name: "deleted regular with zeroed block0", mode: 0x8000 | 0644, linksCount: 0, block0: 0, want: true},
		{name: "deleted fifo keeps block0", mode: 0x1000, linksCount: 0, block0: 5, want: true},
		{name: "zero mode is not deleted", mode: 0, linksCount: 0, block0: 0, want: false},
		{name: "live directory with links", mode: 0x4000 | 0755, linksCount: 2, block0: 5, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i, err := inodeFromBytes(rawInodeBytes(tt.mode, tt.linksCount, 0, 0, tt.block0), 2)
			if err != nil {
				t.Fatalf("inodeFromBytes() error = %v", err)
			}
			if got := i.IsDeleted(); got != tt.want {
				t.Errorf("IsDeleted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInodeIsOrphan(t *testing.T) {
	i, err := inodeFromBytes(rawInodeBytes(0x8000|0644, 0, 3, 100, 0), 2)
	if err != nil {
		t.Fatalf("inodeFromBytes() error = %v", err)
	}
	if !i.IsOrphan(1000) {
		t.Errorf("IsOrphan() = false, want true (dtime %d <= atime %d)", i.DeletionTime, 100)
	}
	if got := i.NextOrphan(); got != 3 {
		t.Errorf("NextOrphan() = %d, want 3", got)
	}
	if i.HasValidDtime(1000) {
		t.Errorf("HasValidDtime() = true for an orphan, want false")
	}
}

func TestInodeDirectBlocks(t *testing.T) {
	b := rawInodeBytes(0x8000|0644, 1, 0, 0, 0)
	for n := 0; n < 15; n++ {
		binary.LittleEndian.PutUint32(b[0x28+n*4:0x28+n*4+4], uint32(100+n))
	}
	i, err := inodeFromBytes(b, 2)
	if err != nil {
		t.Fatalf("inodeFromBytes() error = %v", err)
	}
	direct := i.DirectBlocks()
	for n := 0; n < 12; n++ {
		if direct[n] != uint32(100+n) {
			t.Errorf("DirectBlocks()[%d] = %d, want %d", n, direct[n], 100+n)
		}
	}
	if i.SingleIndirect() != 112 {
		t.Errorf("SingleIndirect() = %d, want 112", i.SingleIndirect())
	}
	if i.DoubleIndirect() != 113 {
		t.Errorf("DoubleIndirect() = %d, want 113", i.DoubleIndirect())
	}
	if i.TripleIndirect() != 114 {
		t.Errorf("TripleIndirect() = %d, want 114", i.TripleIndirect())
	}
}

func TestInodeInlineSymlink(t *testing.T) {
	b := rawInodeBytes(0xA000|0777, 1, 0, 0, 0)
	binary.LittleEndian.PutUint32(b[0x4:0x8], 11) // size
	copy(b[0x28:], []byte("/etc/hostname"))
	i, err := inodeFromBytes(b, 2)
	if err != nil {
		t.Fatalf("inodeFromBytes() error = %v", err)
	}
	if !i.IsInlineSymlink() {
		t.Errorf("IsInlineSymlink() = false, want true")
	}
	if got := i.SymlinkTarget(); got != "/etc/hostna" {
		t.Errorf("SymlinkTarget() = %q, want %q", got, "/etc/hostna")
	}
}
