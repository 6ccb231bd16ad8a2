package cache

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/sidecar"
)

// PurgeResult 汇总一次清理的结果。
type PurgeResult struct {
	Before  int64 `json:"before_bytes"`
	After   int64 `json:"after_bytes"`
	Freed   int64 `json:"freed_bytes"`
	Removed int   `json:"removed"`
	Skipped int   `json:"skipped"`
}

// UpdateAndPurge 在 cache_info 锁内重新扫描目录，按最近访问时间从旧到新删除条目，
// 直到总量降到 MaxSize*(1-PurgeFactor) 以下。justWritten 指向的条目永远不会被
// 删除；无法以非阻塞方式加写锁的条目（有读者或写者）直接跳过。
func (s *Store) UpdateAndPurge(ctx context.Context, justWritten string) (PurgeResult, error) {
	var result PurgeResult
	if justWritten != "" {
		justWritten = filepath.Clean(justWritten)
	}

	err := s.withInfoLock(ctx, func(info *os.File) error {
		s.removeStaleTemps()

		entries, total, err := s.scan()
		if err != nil {
			return err
		}
		result.Before = total

		target := s.purgeTarget()
		if target >= 0 {
			for _, e := range entries {
				if total <= target {
					break
				}
				if e.path == justWritten {
					continue
				}
				if !s.evict(e) {
					result.Skipped++
					continue
				}
				total -= e.size
				result.Freed += e.size
				result.Removed++
			}
		}

		result.After = total
		return writeTotal(info, total)
	})
	if err != nil {
		return result, err
	}

	s.log.WithFields(logrus.Fields{
		"action":  "purge",
		"before":  result.Before,
		"after":   result.After,
		"removed": result.Removed,
		"skipped": result.Skipped,
	}).Info("cache purge finished")
	return result, nil
}

// purgeTarget 返回清理目标总量；未设置上限时返回 -1 表示不清理。
func (s *Store) purgeTarget() int64 {
	if s.maxSize <= 0 {
		return -1
	}
	return int64(float64(s.maxSize) * (1 - s.purgeFactor))
}

// evict 对候选条目做非阻塞写锁探测，成功后删除内容与 sidecar。
func (s *Store) evict(e scannedEntry) bool {
	f, err := os.OpenFile(e.path, os.O_RDWR, 0)
	if err != nil {
		// 已被其他进程删除，视为释放成功。
		return errors.Is(err, fs.ErrNotExist)
	}
	defer f.Close()

	if err := tryLock(f, exclusive); err != nil {
		s.log.WithField("path", e.path).Debug("purge skipped locked entry")
		return false
	}
	defer unlockFile(f)

	if same, err := sameFile(f, e.path); err != nil || !same {
		return false
	}
	// sidecar 先于内容删除，持锁期间条目先变为未提交状态。
	if err := os.Remove(sidecar.Path(e.path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.WithError(err).WithField("path", e.path).Warn("purge remove sidecar failed")
		return false
	}
	if err := os.Remove(e.path); err != nil {
		s.log.WithError(err).WithField("path", e.path).Warn("purge remove failed")
		return false
	}
	return true
}

// removeStaleTemps 删除早于锁超时的临时文件，它们只可能来自崩溃的写者。
func (s *Store) removeStaleTemps() {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.lockTimeout)
	for _, de := range dirEntries {
		name := de.Name()
		if !strings.HasPrefix(name, s.prefix+nameSepValue) || !strings.Contains(name, tempMarker) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			s.log.WithField("path", name).Debug("stale temp file removed")
		}
	}
}
