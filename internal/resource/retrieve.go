package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/sidecar"
)

type substitution struct {
	key   string
	value string
}

// retrieveState 是 Retrieve 的显式状态机：先尝试命中，未命中则争夺写者身份，
// 输掉竞争后只再读一次。
type retrieveState int

const (
	stateHit retrieveState = iota
	stateWonWrite
	stateLostWriteRetryRead
)

func (s retrieveState) String() string {
	switch s {
	case stateHit:
		return "hit"
	case stateWonWrite:
		return "won_write"
	case stateLostWriteRetryRead:
		return "lost_write_retry_read"
	default:
		return "unknown"
	}
}

func (res *Resource) retrieve(ctx context.Context, sub *substitution) error {
	res.mu.Lock()
	defer res.mu.Unlock()

	if res.initialized {
		return nil
	}
	if res.local {
		// 本地文件不经过缓存与传输，Close 之后重新指向原路径即可。
		res.cacheFile = res.localPath
		res.initialized = true
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err := res.runLocked(ctx, sub)
	if err != nil {
		res.resolver.observer.Failed(Code(err))
		res.logEntry().WithError(err).WithField("code", Code(err)).Warn("retrieve failed")
	}
	return err
}

func (res *Resource) runLocked(ctx context.Context, sub *substitution) error {
	r := res.resolver
	if !r.gate.IsAllowed(res.url) {
		return fmt.Errorf("%w: %s is not in the allowed hosts list", ErrPermissionDenied, res.url)
	}

	path := r.store.FileName(res.url, true)
	state := stateHit
	for {
		switch state {
		case stateHit, stateLostWriteRetryRead:
			lock, ok, err := r.store.GetReadLock(ctx, path)
			if err != nil {
				return cacheError(err)
			}
			if ok {
				outcome := OutcomeHit
				if state == stateLostWriteRetryRead {
					outcome = OutcomeHitAfterRace
				}
				return res.loadFromHit(lock, outcome)
			}
			if state == stateLostWriteRetryRead {
				return fmt.Errorf("%w: entry for %s vanished after losing the write race", ErrCacheUnavailable, res.url)
			}
			state = stateWonWrite

		case stateWonWrite:
			lock, won, err := r.store.CreateAndLock(ctx, path)
			if err != nil {
				return cacheError(err)
			}
			if !won {
				res.resolver.log.WithFields(logrus.Fields{"url": res.url, "state": stateLostWriteRetryRead.String()}).Debug("another writer owns the entry")
				state = stateLostWriteRetryRead
				continue
			}
			return res.fetchInto(ctx, lock, sub)
		}
	}
}

func cacheError(err error) error {
	if errors.Is(err, ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
}

// loadFromHit 读取 sidecar 并接管读锁。
func (res *Resource) loadFromHit(lock *cache.Lock, outcome Outcome) error {
	lines, err := sidecar.Read(sidecar.Path(lock.Path()))
	if err != nil {
		lock.Close()
		return fmt.Errorf("%w: read headers of %s: %v", ErrIO, lock.Path(), err)
	}

	res.lock = lock
	res.cacheFile = lock.Path()
	res.outcome = outcome
	res.initialized = true
	res.setHeadersLocked(lines)

	res.resolver.observer.CacheHit()
	res.logEntry().Debug("cache hit")
	return nil
}

// fetchInto 在写锁下抓取正文、可选替换、写入 sidecar 后降级为读锁发布。
// 任一步骤失败都会删除未提交的条目并释放写锁。
func (res *Resource) fetchInto(ctx context.Context, lock *cache.Lock, sub *substitution) error {
	r := res.resolver
	path := lock.Path()
	f := lock.File()

	abandon := func(cause error) error {
		if err := r.store.Abandon(lock); err != nil {
			r.log.WithError(err).WithField("path", path).Warn("abandon uncommitted entry failed")
		}
		return cause
	}

	headers, err := r.transport.Fetch(ctx, res.url, f)
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return abandon(err)
	}

	if sub != nil {
		n, err := substitute(f, sub.key, sub.value)
		if err != nil {
			return abandon(fmt.Errorf("%w: substitute in %s: %v", ErrIO, path, err))
		}
		r.log.WithFields(logrus.Fields{"url": res.url, "key": sub.key, "count": n}).Debug("substitution applied")
	}

	if err := f.Sync(); err != nil {
		return abandon(fmt.Errorf("%w: sync %s: %v", ErrIO, path, err))
	}
	info, err := f.Stat()
	if err != nil {
		return abandon(fmt.Errorf("%w: stat %s: %v", ErrIO, path, err))
	}
	if err := sidecar.Write(sidecar.Path(path), headers); err != nil {
		return abandon(fmt.Errorf("%w: write headers of %s: %v", ErrIO, path, err))
	}
	r.store.Annotate(lock, res.url)

	if err := lock.Downgrade(); err != nil {
		return abandon(cacheError(err))
	}

	res.lock = lock
	res.cacheFile = path
	res.outcome = OutcomeFetched
	res.initialized = true
	res.setHeadersLocked(headers)
	r.observer.Fetched(info.Size())
	res.logEntry().WithField("bytes", info.Size()).Info("resource fetched")

	res.accountLocked(ctx, path)
	return nil
}

// accountLocked 更新缓存总量并在超限时清理。条目已经提交，这里的失败只记录日志。
func (res *Resource) accountLocked(ctx context.Context, path string) {
	r := res.resolver
	total, err := r.store.UpdateCacheInfo(ctx, path)
	if err != nil {
		r.log.WithError(err).WithField("path", path).Warn("update cache size failed")
		return
	}
	r.observer.CacheSize(total)
	if !r.store.TooBig(total) {
		return
	}

	result, err := r.store.UpdateAndPurge(ctx, path)
	if err != nil {
		r.log.WithError(err).WithField("path", path).Warn("cache purge failed")
		return
	}
	r.observer.Purged(result)
	r.observer.CacheSize(result.After)
}

// substitute 将文件内容中 key 的所有出现替换为 value，返回替换次数。
func substitute(f *os.File, key, value string) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	n := bytes.Count(raw, []byte(key))
	if n == 0 {
		return 0, nil
	}
	out := bytes.ReplaceAll(raw, []byte(key), []byte(value))
	if err := f.Truncate(0); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(out, 0); err != nil {
		return 0, err
	}
	return n, nil
}
