package ext2

import (
	"fmt"

	"github.com/ext3grep/ext3grep-go/backend"
)

// minImageSize is the smallest file this reader will even attempt to open:
// enough bytes to hold the superblock (spec.md §6).
const minImageSize = SuperblockOffset + SuperblockSize

// Image is the Image Reader (spec.md §4.A): random-access byte reads over
// the backing storage, with the superblock-derived constants cached after
// the first successful parse.
type Image struct {
	storage backend.Storage
	size    int64

	Superblock *Superblock
	Groups     []GroupDescriptor

	inodeTables *inodeTableCache
}

// Open validates and opens an image for analysis: the file must exist, not
// be a directory, and be large enough to contain a superblock. It does not
// yet parse the superblock — call ReadSuperblock for that, since a caller
// may want to report the "too small"/"not a directory" failures (UserInput
// errors, spec.md §7) before spending time on structural parsing.
func Open(storage backend.Storage) (*Image, error) {
	fi, err := storage.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("refusing to analyze a directory")
	}
	if fi.Size() < minImageSize {
		return nil, fmt.Errorf("image is only %d bytes, too small to hold a superblock (need >= %d)", fi.Size(), minImageSize)
	}
	return &Image{storage: storage, size: fi.Size()}, nil
}

// ReadSuperblock reads, parses, and validates the superblock and group
// descriptor table, caching them on the Image. It is the first thing any
// caller must do after Open.
func (img *Image) ReadSuperblock() (*Superblock, error) {
	raw, err := img.ReadAt(SuperblockOffset, SuperblockSize)
	if err != nil {
		return nil, fmt.Errorf("reading superblock: %w", err)
	}
	sb, err := FromBytes(raw)
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	gdtBlock := groupDescriptorTableBlock(sb)
	gdtBytes := int(sb.GroupCount) * groupDescriptorSize
	gdtBlocks := (gdtBytes + int(sb.BlockSize) - 1) / int(sb.BlockSize)
	raw, err = img.ReadAt(int64(gdtBlock)*int64(sb.BlockSize), gdtBlocks*int(sb.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("reading group descriptor table: %w", err)
	}
	gds, err := groupDescriptorsFromBytes(raw, sb.GroupCount)
	if err != nil {
		return nil, err
	}

	img.Superblock = sb
	img.Groups = gds
	img.inodeTables = newInodeTableCache(img, 8)
	return sb, nil
}

// ReadAt reads exactly length bytes at the given byte offset, failing with
// an error on a short read (spec.md §4.A: "Fails with IoError on short
// read").
func (img *Image) ReadAt(offset int64, length int) ([]byte, error) {
	if offset < 0 || offset+int64(length) > img.size {
		return nil, fmt.Errorf("read of %d bytes at offset %d exceeds image size %d", length, offset, img.size)
	}
	buf := make([]byte, length)
	n, err := img.storage.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("short read at offset %d: %w", offset, err)
	}
	if n != length {
		return nil, fmt.Errorf("short read at offset %d: got %d bytes, wanted %d", offset, n, length)
	}
	return buf, nil
}

// ReadBlock reads one full filesystem block.
func (img *Image) ReadBlock(blocknr uint32) ([]byte, error) {
	if img.Superblock == nil {
		return nil, fmt.Errorf("ReadBlock called before ReadSuperblock")
	}
	return img.ReadAt(int64(blocknr)*int64(img.Superblock.BlockSize), int(img.Superblock.BlockSize))
}

// BlockCount returns N_b, the total block count.
func (img *Image) BlockCount() uint32 { return uint32(img.Superblock.BlockCount) }

// Close releases the backing storage and any mapped inode tables.
func (img *Image) Close() error {
	if img.inodeTables != nil {
		img.inodeTables.closeAll()
	}
	return img.storage.Close()
}
