package manager

import (
	"errors"
	"io/fs"

	"modelmgr/internal/common/fsutil"
)

// removeModelFiles deletes a model file or directory. A path that is
// already gone is not an error.
func removeModelFiles(p string) error {
	if p == "" {
		return nil
	}
	return fsutil.RemovePath(p)
}

func isNotExist(err error) bool { return errors.Is(err, fs.ErrNotExist) }
