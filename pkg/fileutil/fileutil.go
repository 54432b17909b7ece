package fileutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
)

const (
	// PrivateFileMode grants owner to read/write a file.
	PrivateFileMode = 0600

	// PrivateDirMode grants owner to make/remove files inside the directory.
	PrivateDirMode = 0700
)

// OpenToUpdate opens a file for reads and in-place writes without
// truncating it. Make sure to close the file.
func OpenToUpdate(fpath string) (*os.File, error) {
	f, err := os.OpenFile(fpath, os.O_RDWR, PrivateFileMode)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CreateToUpdate creates a file for reads and in-place writes.
// It fails if the file already exists. Make sure to close the file.
func CreateToUpdate(fpath string) (*os.File, error) {
	f, err := os.OpenFile(fpath, os.O_RDWR|os.O_CREATE|os.O_EXCL, PrivateFileMode)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DirWritable returns nil if dir is writable.
func DirWritable(dir string) error {
	f := filepath.Join(dir, ".touch")
	if err := ioutil.WriteFile(f, []byte(""), PrivateFileMode); err != nil {
		return err
	}
	return os.Remove(f)
}

// MkdirAll runs os.MkdirAll with writable check.
func MkdirAll(dir string) error {
	// If path is already a directory, MkdirAll does nothing
	// and returns nil.
	if err := os.MkdirAll(dir, PrivateDirMode); err != nil {
		return err
	}
	return DirWritable(dir)
}

// ExistFileOrDir returns true if the file or directory exists.
func ExistFileOrDir(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
