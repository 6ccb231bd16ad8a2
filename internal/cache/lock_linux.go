//go:build linux

package cache

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Linux 使用 open file description 记录锁：锁归属于描述符而非进程，
// 同一进程内的不同 goroutine 也会互斥，且写锁到读锁的转换是原子的。

func setOFDLock(f *os.File, typ int16) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0,
	}
	err := unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLK, &lk)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
		return errWouldBlock
	}
	return errors.Wrap(err, "fcntl")
}

func tryLock(f *os.File, kind lockKind) error {
	if kind == exclusive {
		return setOFDLock(f, unix.F_WRLCK)
	}
	return setOFDLock(f, unix.F_RDLCK)
}

func convertLock(f *os.File, kind lockKind) error {
	return tryLock(f, kind)
}

func unlockFile(f *os.File) error {
	return setOFDLock(f, unix.F_UNLCK)
}
