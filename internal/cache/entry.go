package cache

import (
	"context"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pkg/xattr"

	"github.com/any-hub/datahub/internal/sidecar"
)

// maxReadAttempts 限制读锁在条目被并发替换时的重试次数。
const maxReadAttempts = 3

// CreateAndLock 尝试成为 path 的唯一写者。
//
// 先创建私有临时文件并加写锁，再通过 hard link 发布到 path；link 因 EEXIST
// 失败说明已有其他写者或已提交的条目，此时返回 (nil, false, nil)，调用方应
// 回到读路径。名字可见之前锁已经持有，读者不会看到未加锁的未提交条目。
func (s *Store) CreateAndLock(ctx context.Context, path string) (*Lock, bool, error) {
	if err := s.checkPath(path); err != nil {
		return nil, false, err
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, false, errors.Wrapf(ErrUnavailable, "create %s: %v", path, err)
		}
	}

	tmpName := path + tempMarker + uuid.NewString()
	f, err := os.OpenFile(tmpName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, false, errors.Wrapf(ErrUnavailable, "create %s: %v", tmpName, err)
	}

	if err := tryLock(f, exclusive); err != nil {
		f.Close()
		os.Remove(tmpName)
		return nil, false, errors.Wrapf(ErrUnavailable, "lock %s: %v", tmpName, err)
	}

	if err := os.Link(tmpName, path); err != nil {
		unlockFile(f)
		f.Close()
		os.Remove(tmpName)
		if errors.Is(err, fs.ErrExist) {
			s.log.WithField("path", path).Debug("lost create race")
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(ErrUnavailable, "publish %s: %v", path, err)
	}

	if err := os.Remove(tmpName); err != nil {
		s.log.WithError(err).WithField("path", tmpName).Warn("remove temp link failed")
	}

	s.log.WithField("path", path).Debug("exclusive lock acquired")
	return s.track(path, f, exclusive), true, nil
}

// GetReadLock 在已提交的条目上获取读锁。条目不存在、已被清理或未提交时返回
// (nil, false, nil)；等待超过 LockTimeout 返回 ErrUnavailable。
//
// 崩溃写者遗留的未提交条目（没有 sidecar 且无人持锁）会在这里被回收。
// 成功的读锁会刷新 sidecar 的 mtime，作为 LRU 清理的最近访问时间。
func (s *Store) GetReadLock(ctx context.Context, path string) (*Lock, bool, error) {
	if err := s.checkPath(path); err != nil {
		return nil, false, err
	}

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, false, nil
			}
			return nil, false, errors.Wrapf(ErrUnavailable, "open %s: %v", path, err)
		}

		if err := s.waitLock(ctx, f, shared); err != nil {
			f.Close()
			return nil, false, err
		}

		same, err := sameFile(f, path)
		if err != nil {
			unlockFile(f)
			f.Close()
			return nil, false, errors.Wrapf(ErrUnavailable, "stat %s: %v", path, err)
		}
		if !same {
			// 等待期间条目被删除或替换，重新打开当前的 inode。
			unlockFile(f)
			f.Close()
			continue
		}

		if !committed(path) {
			unlockFile(f)
			f.Close()
			s.reclaimOrphan(path)
			return nil, false, nil
		}

		now := time.Now()
		if err := os.Chtimes(sidecar.Path(path), now, now); err != nil {
			s.log.WithError(err).WithField("path", path).Debug("touch sidecar failed")
		}
		return s.track(path, f, shared), true, nil
	}

	return nil, false, nil
}

// Abandon 删除仍处于写锁状态的未提交条目（内容与 sidecar），然后释放锁。
// 用于写入失败时的清理；已降级的锁返回错误，已提交条目只能由清理流程删除。
func (s *Store) Abandon(l *Lock) error {
	if l == nil {
		return nil
	}
	if !l.Exclusive() {
		l.Close()
		return errors.Wrapf(ErrLockReleased, "abandon %s requires an exclusive lock", l.path)
	}

	// 先删 sidecar 再删内容：名字一旦被释放，新写者发布的 sidecar 不能被误删。
	var firstErr error
	if same, err := sameFile(l.File(), l.path); err == nil && same {
		if err := os.Remove(sidecar.Path(l.path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			firstErr = err
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return errors.Wrapf(firstErr, "abandon %s", l.path)
	}
	s.log.WithField("path", l.path).Debug("uncommitted entry removed")
	return nil
}

// Annotate 以扩展属性记录条目的来源 URL，文件系统不支持时静默忽略。
func (s *Store) Annotate(l *Lock, url string) {
	f := l.File()
	if f == nil {
		return
	}
	if err := xattr.FSet(f, sourceXattr, []byte(url)); err != nil {
		s.log.WithError(err).WithField("path", l.path).Debug("xattr not recorded")
	}
}

// reclaimOrphan 删除崩溃写者留下的未提交条目；任何人仍持锁时放弃。
func (s *Store) reclaimOrphan(path string) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer f.Close()

	if err := tryLock(f, exclusive); err != nil {
		return
	}
	defer unlockFile(f)

	if same, err := sameFile(f, path); err != nil || !same {
		return
	}
	if committed(path) {
		return
	}
	if err := os.Remove(path); err != nil {
		s.log.WithError(err).WithField("path", path).Warn("reclaim orphan failed")
		return
	}
	s.log.WithField("path", path).Info("orphaned cache entry reclaimed")
}

func committed(path string) bool {
	info, err := os.Stat(sidecar.Path(path))
	return err == nil && info.Mode().IsRegular()
}

func readSource(path string) string {
	raw, err := xattr.Get(path, sourceXattr)
	if err != nil {
		return ""
	}
	return string(raw)
}
