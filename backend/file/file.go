// Package file implements backend.Storage over a path on the local
// filesystem: a raw block device (/dev/sdX) or a loopback image file.
package file

import (
	"errors"
	"fmt"
	"os"

	"github.com/ext3grep/ext3grep-go/backend"
)

type rawBackend struct {
	*os.File
}

var _ backend.Storage = rawBackend{}

// OpenFromPath opens an existing device or image file for read-only
// analysis. The path must already exist; this never creates or truncates.
func OpenFromPath(pathName string) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass a device or image path")
	}
	fi, err := os.Stat(pathName)
	if err != nil {
		return nil, fmt.Errorf("cannot stat %s: %w", pathName, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a file or device", pathName)
	}
	f, err := os.OpenFile(pathName, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", pathName, err)
	}
	return rawBackend{f}, nil
}

func (f rawBackend) Sys() (*os.File, error) {
	return f.File, nil
}
