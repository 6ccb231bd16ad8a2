package resource

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/gate"
	"github.com/any-hub/datahub/internal/logging"
	"github.com/any-hub/datahub/internal/transport"
)

// Observer 接收解析过程中的事件，通常由 metrics 包实现。
type Observer interface {
	CacheHit()
	Fetched(bytes int64)
	Failed(code string)
	Purged(result cache.PurgeResult)
	CacheSize(total int64)
}

type nopObserver struct{}

func (nopObserver) CacheHit() {}
func (nopObserver) Fetched(int64) {}
func (nopObserver) Failed(string) {}
func (nopObserver) Purged(cache.PurgeResult) {}
func (nopObserver) CacheSize(int64) {}

// Options 汇总 Resolver 依赖的共享组件。
type Options struct {
	Store       *cache.Store
	Transport   transport.Fetcher
	Gate        gate.Gate
	Types       *TypeMatcher
	CatalogRoot string
	Logger      *logrus.Logger
	Observer    Observer
}

// Resolver 持有所有请求共享的缓存、传输与白名单，负责创建 Resource。
type Resolver struct {
	store       *cache.Store
	transport   transport.Fetcher
	gate        gate.Gate
	types       *TypeMatcher
	catalogRoot string
	log         *logrus.Entry
	observer    Observer
}

// NewResolver 校验依赖并构造 Resolver。
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("host gate is required")
	}

	types := opts.Types
	if types == nil {
		var err error
		if types, err = NewTypeMatcher(nil, nil); err != nil {
			return nil, err
		}
	}

	root := strings.TrimSpace(opts.CatalogRoot)
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve catalog root: %w", err)
		}
		root = abs
	}

	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Resolver{
		store:       opts.Store,
		transport:   opts.Transport,
		gate:        opts.Gate,
		types:       types,
		catalogRoot: root,
		log:         logging.Component(opts.Logger, "resource"),
		observer:    observer,
	}, nil
}

// Types 返回 Resolver 使用的类型匹配器。
func (r *Resolver) Types() *TypeMatcher {
	return r.types
}

// Store 返回共享的缓存实例。
func (r *Resolver) Store() *cache.Store {
	return r.store
}

// New 根据 URL 创建 Resource。URL 为空或 scheme 不是 file/http/https 时立即返回
// ErrInvalidInput。file:// 资源在构造时即完成初始化。
func (r *Resolver) New(rawURL, uid string) (*Resource, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidInput)
	}

	scheme, rest, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, fmt.Errorf("%w: url %q has no scheme", ErrInvalidInput, rawURL)
	}

	switch strings.ToLower(scheme) {
	case "http", "https":
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: malformed url %q", ErrInvalidInput, rawURL)
		}
		return &Resource{resolver: r, url: rawURL, uid: uid}, nil
	case "file":
		return r.newLocal(rawURL, rest, uid)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, scheme)
	}
}

// newLocal 将 file:// 后的路径解析到 CatalogRoot 之下。
func (r *Resolver) newLocal(rawURL, rest, uid string) (*Resource, error) {
	if r.catalogRoot == "" {
		return nil, fmt.Errorf("%w: catalog root is not configured for %q", ErrInvalidInput, rawURL)
	}

	p := strings.TrimRight(rest, "/"+string(filepath.Separator))
	if p == "" {
		return nil, fmt.Errorf("%w: empty local path in %q", ErrInvalidInput, rawURL)
	}
	p = filepath.Clean(filepath.FromSlash(p))
	if !within(p, r.catalogRoot) {
		p = filepath.Join(r.catalogRoot, p)
	}
	if !within(p, r.catalogRoot) {
		return nil, fmt.Errorf("%w: %q escapes the catalog root", ErrInvalidInput, rawURL)
	}

	tag, ok := r.types.MatchName(p)
	if !ok {
		tag = Unknown
	}
	return &Resource{
		resolver:    r,
		url:         rawURL,
		uid:         uid,
		local:       true,
		initialized: true,
		cacheFile:   p,
		localPath:   p,
		contentType: tag,
		headerMap:   map[string]string{},
		outcome:     OutcomeLocal,
	}, nil
}

func within(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimRight(root, string(filepath.Separator))+string(filepath.Separator))
}
