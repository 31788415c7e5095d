package ext2

import "github.com/ext3grep/ext3grep-go/util/bitmap"

// bitSet reports whether the bit for a zero-based index is set (allocated)
// in a block or inode bitmap, using the LSB-first-within-byte order
// spec.md §4.B mandates — exactly the order the teacher's util/bitmap
// package already implements.
func bitSet(bm *bitmap.Bitmap, index int) bool {
	set, err := bm.IsSet(index)
	if err != nil {
		return false
	}
	return set
}
