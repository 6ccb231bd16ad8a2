//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package cache

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BSD 系统没有 OFD 锁，退回 flock(2)。flock 同样以描述符为单位，
// 但锁转换不保证原子。

func tryLock(f *os.File, kind lockKind) error {
	how := unix.LOCK_SH
	if kind == exclusive {
		how = unix.LOCK_EX
	}
	err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return errWouldBlock
	}
	return errors.Wrap(err, "flock")
}

func convertLock(f *os.File, kind lockKind) error {
	return tryLock(f, kind)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
