// Package undelete implements the Undelete Selector and Restore Engine
// (spec.md §4.I–§4.J): choosing which revision of an inode to trust, and
// writing that revision's data back out to disk.
package undelete

import (
	"time"

	"github.com/ext3grep/ext3grep-go/ext2"
	"github.com/ext3grep/ext3grep-go/journal"
)

// Outcome classifies what PickInode found.
type Outcome int

const (
	// None means no usable revision exists: the current inode is deleted
	// and no journal copy (not already too old, not itself deleted) was
	// found.
	None Outcome = iota
	// TooOld means that, scanning journal copies newest first, a deleted
	// copy whose dtime precedes --after was reached before any non-deleted
	// copy, so the scan stopped without trusting anything older.
	TooOld
	// Real means the on-disk inode is not deleted; use it as-is.
	Real
	// FromJournal means a non-deleted copy was recovered from the
	// journal at Selection.Sequence.
	FromJournal
)

func (o Outcome) String() string {
	switch o {
	case Real:
		return "real"
	case FromJournal:
		return "journal"
	case TooOld:
		return "too_old"
	default:
		return "none"
	}
}

// Selection is the result of PickInode.
type Selection struct {
	Outcome  Outcome
	Inode    *ext2.Inode
	Sequence uint32 // only meaningful when Outcome == FromJournal or TooOld
}

// PickInode implements spec.md §4.I's pick_inode, resolved against
// original_source/src/restore.cc's get_undeleted_inode: if the live inode
// is not deleted, use it outright. Otherwise walk the journal's copies of
// it newest-first; the first non-deleted copy wins regardless of its
// dtime, but a deleted copy whose dtime precedes after stops the scan
// (anything further back is from before the cutoff too).
func PickInode(fs *ext2.FileSystem, j *journal.Analyzer, number uint32, after time.Time) (Selection, error) {
	current, err := fs.Image.ReadInode(number)
	if err != nil {
		return Selection{}, err
	}
	if !current.IsDeleted() {
		return Selection{Outcome: Real, Inode: current}, nil
	}
	if j == nil {
		return Selection{Outcome: None}, nil
	}

	copies, err := j.CopiesOfInode(number)
	if err != nil {
		return Selection{}, err
	}
	for _, c := range copies {
		if !c.Deleted {
			return Selection{Outcome: FromJournal, Inode: c.Inode, Sequence: c.Sequence}, nil
		}
		if !after.IsZero() && time.Unix(int64(c.Inode.DeletionTime), 0).Before(after) {
			return Selection{Outcome: TooOld, Inode: c.Inode, Sequence: c.Sequence}, nil
		}
	}
	return Selection{Outcome: None}, nil
}
