package agent

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// DeleteResult describes a completed secure delete.
type DeleteResult struct {
	// Passes is the number of overwrite passes that reached stable storage.
	Passes int
	// FellBack is set when the file was unlinked without a full overwrite.
	FellBack bool
	// Missing is set when there was nothing to delete.
	Missing bool
}

// SecureDelete overwrites a regular file with fresh random bytes passes
// times, syncing after every pass, then unlinks it. If overwriting fails
// the file is removed anyway; if that also fails it is left in place and
// an error is returned. A missing path is not an error.
func SecureDelete(path string, passes int) (*DeleteResult, error) {
	res := &DeleteResult{}
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		res.Missing = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("secure delete %s: %w", path, err)
	}

	var owErr error
	switch {
	case !fi.Mode().IsRegular():
		owErr = fmt.Errorf("not a regular file (%s)", fi.Mode().Type())
	case fi.Size() > 0:
		res.Passes, owErr = overwrite(path, fi.Size(), passes)
	}
	res.FellBack = owErr != nil

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if owErr != nil {
			return res, fmt.Errorf("secure delete %s: overwrite: %v; remove: %w", path, owErr, err)
		}
		return res, fmt.Errorf("secure delete %s: remove: %w", path, err)
	}
	return res, nil
}

func overwrite(path string, size int64, passes int) (int, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	done := 0
	for i := 0; i < passes; i++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return done, err
		}
		if _, err := io.CopyN(f, rand.Reader, size); err != nil {
			return done, fmt.Errorf("pass %d: %w", i+1, err)
		}
		if err := f.Sync(); err != nil {
			return done, fmt.Errorf("pass %d sync: %w", i+1, err)
		}
		done++
	}
	return done, nil
}
