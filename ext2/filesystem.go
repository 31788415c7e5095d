package ext2

import "fmt"

// FileSystem ties the Image Reader, parsed superblock/group table, and
// Metadata Loader together into the one object the rest of the engine
// (journal, classify, recon, undelete) is handed.
type FileSystem struct {
	Image    *Image
	Metadata *MetadataLoader
}

// OpenFileSystem reads the superblock of an already opened Image and wires
// up a Metadata Loader, in one step.
func OpenFileSystem(img *Image) (*FileSystem, error) {
	if _, err := img.ReadSuperblock(); err != nil {
		return nil, err
	}
	return &FileSystem{
		Image:    img,
		Metadata: NewMetadataLoader(img),
	}, nil
}

// Superblock is a convenience accessor.
func (fs *FileSystem) Superblock() *Superblock { return fs.Image.Superblock }

// Indirect returns an IndirectWalker configured for this filesystem.
func (fs *FileSystem) Indirect() *IndirectWalker {
	sb := fs.Image.Superblock
	return &IndirectWalker{
		BlockSize: sb.BlockSize,
		MaxBlock:  uint32(sb.BlockCount),
		ReadBlock: fs.Image.ReadBlock,
	}
}

// OrphanChain walks the superblock's last-orphan list, the singly-linked
// chain of to-be-deleted-on-next-mount inodes that ext3 threads through the
// dtime field of inodes with links_count == 0 (spec.md's orphan predicate,
// supplemented here per original_source/src/inode.cc: the kernel itself
// walks this exact chain at mount time to finish interrupted unlinks, and
// a crashed-before-journal-commit delete is exactly the kind of evidence
// this tool exists to recover).
func (fs *FileSystem) OrphanChain() ([]uint32, error) {
	var chain []uint32
	seen := make(map[uint32]bool)

	next := fs.Image.Superblock.LastOrphan
	for next != 0 {
		if seen[next] {
			return chain, fmt.Errorf("orphan chain loops back to inode %d", next)
		}
		seen[next] = true

		inode, err := fs.Image.ReadInode(next)
		if err != nil {
			return chain, fmt.Errorf("reading orphan chain inode %d: %w", next, err)
		}
		chain = append(chain, next)
		if !inode.IsOrphan(fs.Image.Superblock.InodeCount) {
			break
		}
		next = inode.NextOrphan()
	}
	return chain, nil
}
