package cache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/logging"
)

const (
	defaultPrefix      = "rc"
	defaultLockTimeout = 2 * time.Minute
	defaultPurgeFactor = 0.2

	tempMarker   = ".tmp-"
	infoSuffix   = ".cache_info"
	sourceXattr  = "user.datahub.url"
	nameSepValue = "_"
)

var (
	// ErrUnavailable 表示缓存目录不可用、锁等待超时或锁状态无法继续。
	ErrUnavailable = errors.New("cache unavailable")
	// ErrInvalidPath 表示路径不属于缓存目录的直接子文件。
	ErrInvalidPath = errors.New("invalid cache path")
	// ErrLockReleased 表示在已释放的锁上继续操作。
	ErrLockReleased = errors.New("cache lock already released")
)

// Options 控制 Store 的目录、容量与锁等待策略。
type Options struct {
	Dir         string
	Prefix      string
	MaxSize     int64
	PurgeFactor float64
	LockTimeout time.Duration
	Logger      *logrus.Logger
}

// Store 管理缓存目录，进程内所有解析器共享同一实例。
type Store struct {
	dir         string
	prefix      string
	maxSize     int64
	purgeFactor float64
	lockTimeout time.Duration
	infoPath    string
	log         *logrus.Entry

	mu   sync.Mutex
	held map[*Lock]struct{}
}

// Stats 汇总缓存目录的当前状态，供诊断接口输出。
type Stats struct {
	Dir        string `json:"dir"`
	Entries    int    `json:"entries"`
	TotalBytes int64  `json:"total_bytes"`
	MaxBytes   int64  `json:"max_bytes"`
	HeldLocks  int    `json:"held_locks"`
}

// EntryInfo 描述目录中的单个缓存条目。
type EntryInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
	Committed  bool      `json:"committed"`
	Source     string    `json:"source,omitempty"`
}

// NewStore 以 opts.Dir 为根目录构建磁盘缓存，目录不可创建时返回 ErrUnavailable。
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.Wrap(ErrUnavailable, "cache directory required")
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "resolve cache directory: %v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "create cache directory: %v", err)
	}

	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, errors.Wrapf(ErrInvalidPath, "prefix %q", prefix)
	}

	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	factor := opts.PurgeFactor
	if factor < 0 || factor >= 1 {
		factor = defaultPurgeFactor
	}

	return &Store{
		dir:         abs,
		prefix:      prefix,
		maxSize:     opts.MaxSize,
		purgeFactor: factor,
		lockTimeout: timeout,
		infoPath:    filepath.Join(abs, prefix+infoSuffix),
		log:         logging.Component(opts.Logger, "cache"),
		held:        make(map[*Lock]struct{}),
	}, nil
}

// Dir 返回缓存目录的绝对路径。
func (s *Store) Dir() string {
	return s.dir
}

// MaxSize 返回配置的容量上限，0 表示不限制。
func (s *Store) MaxSize() int64 {
	return s.maxSize
}

// TooBig 判断 total 是否超出容量预算。
func (s *Store) TooBig(total int64) bool {
	return s.maxSize > 0 && total > s.maxSize
}

// Stats 扫描目录并返回统计信息，不获取任何锁。
func (s *Store) Stats() (Stats, error) {
	entries, total, err := s.scan()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Dir:        s.dir,
		Entries:    len(entries),
		TotalBytes: total,
		MaxBytes:   s.maxSize,
		HeldLocks:  s.heldCount(),
	}, nil
}

// Entries 返回目录中的条目列表，按最近访问时间倒序。
func (s *Store) Entries() ([]EntryInfo, error) {
	entries, _, err := s.scan()
	if err != nil {
		return nil, err
	}
	result := make([]EntryInfo, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		result = append(result, EntryInfo{
			Name:       filepath.Base(e.path),
			SizeBytes:  e.size,
			LastAccess: e.lastAccess,
			Committed:  e.committed,
			Source:     readSource(e.path),
		})
	}
	return result, nil
}

// UnlockAll 释放本 Store 仍在跟踪的全部锁，用于关闭流程或错误兜底。
func (s *Store) UnlockAll() {
	s.mu.Lock()
	locks := make([]*Lock, 0, len(s.held))
	for l := range s.held {
		locks = append(locks, l)
	}
	s.mu.Unlock()

	for _, l := range locks {
		if err := l.Close(); err != nil {
			s.log.WithError(err).WithField("path", l.path).Warn("release lock failed")
		}
	}
}

func (s *Store) track(path string, f *os.File, kind lockKind) *Lock {
	l := &Lock{store: s, path: path, file: f, kind: kind}
	s.mu.Lock()
	s.held[l] = struct{}{}
	s.mu.Unlock()
	return l
}

func (s *Store) untrack(l *Lock) {
	s.mu.Lock()
	delete(s.held, l)
	s.mu.Unlock()
}

func (s *Store) heldCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// checkPath 确认 path 是缓存目录下的条目文件，拒绝越界与保留文件名。
func (s *Store) checkPath(path string) error {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) != s.dir {
		return errors.Wrapf(ErrInvalidPath, "%s is outside %s", path, s.dir)
	}
	name := filepath.Base(clean)
	if !strings.HasPrefix(name, s.prefix+nameSepValue) || isReservedName(name) {
		return errors.Wrapf(ErrInvalidPath, "%s is not a cache entry name", name)
	}
	return nil
}
