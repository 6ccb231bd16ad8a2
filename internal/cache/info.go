package cache

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/any-hub/datahub/internal/sidecar"
)

// UpdateCacheInfo 在 cache_info 的写锁内把 path 条目（含 sidecar）的大小累加到
// 全局计数并返回新总量。cache_info 缺失或损坏时通过扫描目录重建。
func (s *Store) UpdateCacheInfo(ctx context.Context, path string) (int64, error) {
	if err := s.checkPath(path); err != nil {
		return 0, err
	}

	var total int64
	err := s.withInfoLock(ctx, func(info *os.File) error {
		current, ok := readTotal(info)
		if !ok {
			_, scanned, err := s.scan()
			if err != nil {
				return err
			}
			total = scanned
			return writeTotal(info, total)
		}
		total = current + entrySize(path)
		return writeTotal(info, total)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// withInfoLock 以写锁打开 cache_info 并执行 fn，所有对总量的修改都在此串行化。
func (s *Store) withInfoLock(ctx context.Context, fn func(*os.File) error) error {
	f, err := os.OpenFile(s.infoPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "open cache info: %v", err)
	}
	defer f.Close()

	if err := s.waitLock(ctx, f, exclusive); err != nil {
		return err
	}
	defer unlockFile(f)

	return fn(f)
}

func readTotal(f *os.File) (int64, bool) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, false
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return 0, false
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

func writeTotal(f *os.File, total int64) error {
	if total < 0 {
		total = 0
	}
	if err := f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate cache info")
	}
	if _, err := f.WriteAt([]byte(strconv.FormatInt(total, 10)+"\n"), 0); err != nil {
		return errors.Wrap(err, "write cache info")
	}
	return errors.Wrap(f.Sync(), "sync cache info")
}

func entrySize(path string) int64 {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size += info.Size()
	}
	if info, err := os.Stat(sidecar.Path(path)); err == nil {
		size += info.Size()
	}
	return size
}

type scannedEntry struct {
	path       string
	size       int64
	lastAccess time.Time
	committed  bool
}

// scan 列出目录中的条目，按最近访问时间升序（未提交的条目最先）并返回总大小。
func (s *Store) scan() ([]scannedEntry, int64, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, errors.Wrapf(ErrUnavailable, "read cache directory: %v", err)
	}

	var (
		entries []scannedEntry
		total   int64
	)
	for _, de := range dirEntries {
		name := de.Name()
		if !de.Type().IsRegular() || !strings.HasPrefix(name, s.prefix+nameSepValue) || isReservedName(name) {
			continue
		}
		path := filepath.Join(s.dir, name)
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, 0, errors.Wrapf(ErrUnavailable, "stat %s: %v", name, err)
		}

		entry := scannedEntry{path: path, size: info.Size(), lastAccess: info.ModTime()}
		if sc, err := os.Stat(sidecar.Path(path)); err == nil {
			entry.committed = true
			entry.size += sc.Size()
			entry.lastAccess = sc.ModTime()
		}
		entries = append(entries, entry)
		total += entry.size
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].committed != entries[j].committed {
			return !entries[i].committed
		}
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	return entries, total, nil
}
