package fileutil

import (
	"os"
	"syscall"
)

// Fdatasync flushes all data buffers of a file onto the disk.
// Fsync is required to update the metadata, such as access time.
// Fsync always does two write operations: one for writing new data
// to disk. Another for updating the modification time stored in its
// inode. If the modification time is not a part of the transaction,
// syscall.Fdatasync can be used to avoid unnecessary inode disk writes.
func Fdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
