package cache

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

type lockKind int

const (
	shared lockKind = iota
	exclusive
)

func (k lockKind) String() string {
	if k == exclusive {
		return "exclusive"
	}
	return "shared"
}

// errWouldBlock 表示锁被其他持有者占用，非阻塞尝试失败。
var errWouldBlock = errors.New("lock held elsewhere")

// Lock 包装一个持有咨询锁的文件描述符。Close 幂等，释放锁并关闭描述符，
// 永远不会删除文件。
type Lock struct {
	store *Store
	path  string

	mu   sync.Mutex
	file *os.File
	kind lockKind
}

// Path 返回被锁定的缓存文件路径。
func (l *Lock) Path() string {
	return l.path
}

// File 返回持有锁的文件句柄；释放后返回 nil。
func (l *Lock) File() *os.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file
}

// Exclusive 报告当前是否持有写锁。
func (l *Lock) Exclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil && l.kind == exclusive
}

// Downgrade 将写锁原子地转换为读锁，这是条目对其他读者可见的发布点。
func (l *Lock) Downgrade() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrLockReleased
	}
	if l.kind == shared {
		return nil
	}
	if err := convertLock(l.file, shared); err != nil {
		return errors.Wrapf(ErrUnavailable, "downgrade %s: %v", l.path, err)
	}
	l.kind = shared
	return nil
}

// Close 释放锁并关闭描述符，可重复调用。
func (l *Lock) Close() error {
	l.mu.Lock()
	f := l.file
	l.file = nil
	l.mu.Unlock()

	if f == nil {
		return nil
	}
	if l.store != nil {
		l.store.untrack(l)
	}

	unlockErr := unlockFile(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return errors.Wrapf(unlockErr, "unlock %s", l.path)
	}
	return closeErr
}

// waitLock 在 lockTimeout 内以指数退避轮询获取锁，超时返回 ErrUnavailable。
func (s *Store) waitLock(ctx context.Context, f *os.File, kind lockKind) error {
	if ctx == nil {
		ctx = context.Background()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = s.lockTimeout

	op := func() error {
		err := tryLock(f, kind)
		if err == nil || errors.Is(err, errWouldBlock) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errWouldBlock):
		return errors.Wrapf(ErrUnavailable, "%s lock on %s not acquired within %s", kind, f.Name(), s.lockTimeout)
	case ctx.Err() != nil:
		return errors.Wrapf(ErrUnavailable, "%s lock on %s: %v", kind, f.Name(), ctx.Err())
	default:
		return errors.Wrapf(ErrUnavailable, "%s lock on %s: %v", kind, f.Name(), err)
	}
}

// sameFile 确认 path 仍指向 f 打开的 inode；路径已被删除或替换时返回 false。
func sameFile(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	current, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return os.SameFile(held, current), nil
}
