package recon

import "testing"

type fakeJournalEvidence struct {
	journalBlocks map[uint32]bool
	sequences     map[uint32]uint32
	dirInode      map[uint32]uint32
}

func (f *fakeJournalEvidence) IsJournalBlock(b uint32) bool { return f.journalBlocks[b] }
func (f *fakeJournalEvidence) LargestSequenceFor(b uint32) uint32 {
	return f.sequences[b]
}
func (f *fakeJournalEvidence) BlockToDirInode(b uint32) (uint32, bool) {
	v, ok := f.dirInode[b]
	return v, ok
}

func TestResolveOneInodeSingleCandidateIsTrivial(t *testing.T) {
	fsys, _ := buildImage(t, 20)
	resolved, err := resolveOneInode(fsys, 11, []uint32{7}, nil)
	if err != nil {
		t.Fatalf("resolveOneInode() error = %v", err)
	}
	if len(resolved) != 1 || resolved[0] != 7 {
		t.Errorf("resolveOneInode() = %v, want [7]", resolved)
	}
}

func TestResolveOneInodeJournalFilterPrefersOutsideJournal(t *testing.T) {
	fsys, _ := buildImage(t, 20)
	j := &fakeJournalEvidence{journalBlocks: map[uint32]bool{6: true}}

	resolved, err := resolveOneInode(fsys, 11, []uint32{6, 12}, j)
	if err != nil {
		t.Fatalf("resolveOneInode() error = %v", err)
	}
	if len(resolved) != 1 || resolved[0] != 12 {
		t.Errorf("resolveOneInode() = %v, want [12] (outside journal wins)", resolved)
	}
}

func TestResolveOneInodeJournalRecencyPicksHighestSequence(t *testing.T) {
	fsys, _ := buildImage(t, 20)
	j := &fakeJournalEvidence{
		journalBlocks: map[uint32]bool{6: true, 7: true},
		sequences:     map[uint32]uint32{6: 3, 7: 9},
	}
	resolved, err := resolveOneInode(fsys, 11, []uint32{6, 7}, j)
	if err != nil {
		t.Fatalf("resolveOneInode() error = %v", err)
	}
	if len(resolved) != 1 || resolved[0] != 7 {
		t.Errorf("resolveOneInode() = %v, want [7] (highest sequence)", resolved)
	}
}

func TestResolveOneInodeByteEqualityCollapsesDuplicates(t *testing.T) {
	fsys, buf := buildImage(t, 20)
	block := make([]byte, testBlockSize)
	putDirEntry(block, 0, 11, 12, ".")
	putDirEntry(block, 12, 2, uint16(testBlockSize-12), "..")
	writeBlock(buf, 10, block)
	writeBlock(buf, 11, block) // byte-identical copy

	j := &fakeJournalEvidence{}
	resolved, err := resolveOneInode(fsys, 11, []uint32{10, 11}, j)
	if err != nil {
		t.Fatalf("resolveOneInode() error = %v", err)
	}
	if len(resolved) != 1 || resolved[0] != 10 {
		t.Errorf("resolveOneInode() = %v, want [10] (first of identical group)", resolved)
	}
}

func TestResolveExtendedOwnersPrefersJournalEvidence(t *testing.T) {
	fsys, buf := buildImage(t, 20)
	extBlock := make([]byte, testBlockSize)
	putDirEntry(extBlock, 0, 20, 20, "afile.txt")
	writeBlock(buf, 15, extBlock)

	stage1 := &Stage1Result{DirInodeToBlock: map[uint32][]uint32{}, ExtendedBlocks: []uint32{15}}
	result := &Stage2Result{CanonicalBlock: map[uint32]uint32{11: 10}, ExtendedOwner: map[uint32]uint32{}}
	j := &fakeJournalEvidence{dirInode: map[uint32]uint32{15: 11}}

	resolveExtendedOwners(fsys, stage1, j, result)
	if got := result.ExtendedOwner[15]; got != 11 {
		t.Errorf("ExtendedOwner[15] = %d, want 11 (journal evidence)", got)
	}
}

func TestResolveExtendedOwnersFallsBackToDotDotScan(t *testing.T) {
	fsys, buf := buildImage(t, 20)
	extBlock := make([]byte, testBlockSize)
	putDirEntry(extBlock, 0, 11, 12, "..")
	putDirEntry(extBlock, 12, 20, uint16(testBlockSize-12), "afile.txt")
	writeBlock(buf, 15, extBlock)

	stage1 := &Stage1Result{DirInodeToBlock: map[uint32][]uint32{}, ExtendedBlocks: []uint32{15}}
	result := &Stage2Result{CanonicalBlock: map[uint32]uint32{11: 10}, ExtendedOwner: map[uint32]uint32{}}

	resolveExtendedOwners(fsys, stage1, nil, result)
	if got := result.ExtendedOwner[15]; got != 11 {
		t.Errorf("ExtendedOwner[15] = %d, want 11 (.. back-reference)", got)
	}
}

func TestResolveExtendedOwnersUnownedGoesToLostAndFound(t *testing.T) {
	fsys, buf := buildImage(t, 20)
	extBlock := make([]byte, testBlockSize)
	putDirEntry(extBlock, 0, 20, 20, "orphan.txt")
	writeBlock(buf, 15, extBlock)

	stage1 := &Stage1Result{DirInodeToBlock: map[uint32][]uint32{}, ExtendedBlocks: []uint32{15}}
	result := &Stage2Result{CanonicalBlock: map[uint32]uint32{}, ExtendedOwner: map[uint32]uint32{}}

	resolveExtendedOwners(fsys, stage1, nil, result)
	if got := result.ExtendedOwner[15]; got != lostAndFoundOwner {
		t.Errorf("ExtendedOwner[15] = %d, want %d (lost+found)", got, lostAndFoundOwner)
	}
}

func TestEncodeDecodeStage2RoundTrips(t *testing.T) {
	result := &Stage2Result{
		CanonicalBlock: map[uint32]uint32{11: 10, 2: 20},
		ExtendedOwner:  map[uint32]uint32{15: 11, 16: 0},
	}
	encoded := encodeStage2(result)
	decoded, err := decodeStage2(append(encoded, []byte("# END\n")...))
	if err != nil {
		t.Fatalf("decodeStage2() error = %v", err)
	}
	if decoded.CanonicalBlock[11] != 10 || decoded.CanonicalBlock[2] != 20 {
		t.Errorf("decoded.CanonicalBlock = %v", decoded.CanonicalBlock)
	}
	if decoded.ExtendedOwner[15] != 11 || decoded.ExtendedOwner[16] != 0 {
		t.Errorf("decoded.ExtendedOwner = %v", decoded.ExtendedOwner)
	}
}
