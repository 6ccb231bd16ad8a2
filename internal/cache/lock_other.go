//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package cache

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
)

// 其他平台没有可跨进程协调的建议锁，缓存在这里不可用。

func tryLock(f *os.File, kind lockKind) error {
	return errors.Wrapf(ErrUnavailable, "%s lock unsupported on %s", kind, runtime.GOOS)
}

func convertLock(f *os.File, kind lockKind) error {
	return tryLock(f, kind)
}

func unlockFile(f *os.File) error {
	return nil
}
