package journal

import (
	"encoding/binary"
	"testing"
)

func putHeader(b []byte, bt BlockType, sequence uint32) {
	binary.BigEndian.PutUint32(b[0x0:0x4], Magic)
	binary.BigEndian.PutUint32(b[0x4:0x8], uint32(bt))
	binary.BigEndian.PutUint32(b[0x8:0xc], sequence)
}

func TestHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
		check   func(header)
	}{
		{
			name: "valid descriptor header",
			input: func() []byte {
				b := make([]byte, 12)
				putHeader(b, BlockTypeDescriptor, 7)
				return b
			}(),
			check: func(h header) {
				if h.sequence != 7 {
					t.Errorf("sequence = %d, want 7", h.sequence)
				}
				if h.blockType != BlockTypeDescriptor {
					t.Errorf("blockType = %d, want %d", h.blockType, BlockTypeDescriptor)
				}
			},
		},
		{name: "bad magic", input: make([]byte, 12), wantErr: true},
		{name: "too short", input: make([]byte, 11), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := headerFromBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("headerFromBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(h)
			}
		})
	}
}

func TestDescriptorBlockFromBytes(t *testing.T) {
	b := make([]byte, 1024)
	putHeader(b, BlockTypeDescriptor, 3)

	offset := 12
	// Tag 1: fs block 500, same UUID, not last.
	binary.BigEndian.PutUint32(b[offset:offset+4], 500)
	binary.BigEndian.PutUint32(b[offset+4:offset+8], uint32(TagFlagSameUUID))
	binary.BigEndian.PutUint32(b[offset+8:offset+12], 0xAAAAAAAA) // checksum
	offset += 12

	// Tag 2: fs block 501, same UUID, last tag.
	binary.BigEndian.PutUint32(b[offset:offset+4], 501)
	binary.BigEndian.PutUint32(b[offset+4:offset+8], uint32(TagFlagSameUUID|TagFlagLast))
	binary.BigEndian.PutUint32(b[offset+8:offset+12], 0xBBBBBBBB)

	d, err := descriptorBlockFromBytes(b, nil)
	if err != nil {
		t.Fatalf("descriptorBlockFromBytes() error = %v", err)
	}
	if len(d.Tags) != 2 {
		t.Fatalf("got %d tags, want 2", len(d.Tags))
	}
	if d.Tags[0].FSBlock != 500 || d.Tags[1].FSBlock != 501 {
		t.Errorf("tags = %+v, want fs blocks 500, 501", d.Tags)
	}
	if !d.Tags[1].lastTag() {
		t.Errorf("second tag should carry TagFlagLast")
	}
}

func TestCommitBlockFromBytes(t *testing.T) {
	b := make([]byte, 32)
	putHeader(b, BlockTypeCommit, 9)
	c, err := commitBlockFromBytes(b)
	if err != nil {
		t.Fatalf("commitBlockFromBytes() error = %v", err)
	}
	if c.Sequence != 9 {
		t.Errorf("Sequence = %d, want 9", c.Sequence)
	}
}

func TestRevokeBlockFromBytes(t *testing.T) {
	b := make([]byte, 1024)
	putHeader(b, BlockTypeRevoke, 4)
	binary.BigEndian.PutUint32(b[0xc:0x10], 16+8) // count: header + 2 block numbers
	binary.BigEndian.PutUint32(b[0x10:0x14], 77)
	binary.BigEndian.PutUint32(b[0x14:0x18], 78)

	r, err := revokeBlockFromBytes(b, nil)
	if err != nil {
		t.Fatalf("revokeBlockFromBytes() error = %v", err)
	}
	if len(r.Blocks) != 2 || r.Blocks[0] != 77 || r.Blocks[1] != 78 {
		t.Errorf("Blocks = %v, want [77 78]", r.Blocks)
	}
}

func TestClassify(t *testing.T) {
	b := make([]byte, 12)
	putHeader(b, BlockTypeCommit, 1)
	bt, err := classify(b)
	if err != nil {
		t.Fatalf("classify() error = %v", err)
	}
	if bt != BlockTypeCommit {
		t.Errorf("classify() = %d, want %d", bt, BlockTypeCommit)
	}

	if _, err := classify(make([]byte, 12)); err == nil {
		t.Errorf("classify() on zeroed block = nil error, want error (bad magic)")
	}
}
