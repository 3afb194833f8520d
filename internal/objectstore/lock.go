package objectstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive opens path for read-write (creating it if absent) and
// takes an advisory LOCK_EX, matching the source design's writer lock on
// each index file. The caller must close the returned file to release it.
func flockExclusive(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// flockShared opens path read-only and takes an advisory LOCK_SH, matching
// the source design's reader lock on each index file. Returns (nil, nil) if
// the file does not exist yet — an absent index is equivalent to empty.
func flockShared(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
