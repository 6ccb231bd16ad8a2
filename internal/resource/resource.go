package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/logging"
	"github.com/any-hub/datahub/internal/sidecar"
)

// Outcome 描述 Resource 是如何得到本地文件的。
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeLocal        Outcome = "local"
	OutcomeHit          Outcome = "hit"
	OutcomeFetched      Outcome = "fetched"
	OutcomeHitAfterRace Outcome = "hit_after_race"
)

// Resource 是单次请求独占的资源句柄。未初始化时不持锁也没有缓存文件名；
// 初始化后持有读锁（本地文件除外）直到 Close。
type Resource struct {
	resolver  *Resolver
	url       string
	uid       string
	local     bool
	localPath string

	mu          sync.Mutex
	initialized bool
	cacheFile   string
	lock        *cache.Lock
	headers     []string
	headerMap   map[string]string
	contentType string
	outcome     Outcome
}

// URL 返回原始 URL。
func (res *Resource) URL() string { return res.url }

// UID 返回调用方身份标签，可能为空。
func (res *Resource) UID() string { return res.uid }

// IsLocal 报告是否为 file:// 资源。
func (res *Resource) IsLocal() bool { return res.local }

// Outcome 返回最近一次 Retrieve 的结果类型。
func (res *Resource) Outcome() Outcome {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.outcome
}

// FromCache 报告内容是否来自已有缓存条目而非本次抓取。
func (res *Resource) FromCache() bool {
	o := res.Outcome()
	return o == OutcomeHit || o == OutcomeHitAfterRace
}

// CacheFilePath 返回可读的本地文件路径。
func (res *Resource) CacheFilePath() (string, error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	if !res.initialized {
		return "", res.stateError("cache file path")
	}
	return res.cacheFile, nil
}

// ContentType 返回推导出的类型标签。
func (res *Resource) ContentType() (string, error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	if !res.initialized {
		return "", res.stateError("content type")
	}
	return res.contentType, nil
}

// ResponseHeaders 返回原始响应头行的副本，顺序与写入 sidecar 时一致。
func (res *Resource) ResponseHeaders() ([]string, error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	if !res.initialized {
		return nil, res.stateError("response headers")
	}
	return append([]string(nil), res.headers...), nil
}

// ResponseHeader 按名称（大小写不敏感）查找响应头。
func (res *Resource) ResponseHeader(name string) (string, bool) {
	res.mu.Lock()
	defer res.mu.Unlock()
	v, ok := res.headerMap[strings.ToLower(name)]
	return v, ok
}

// ContentAsText 将整个文件读入内存。
func (res *Resource) ContentAsText() (string, error) {
	path, err := res.CacheFilePath()
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	return string(raw), nil
}

// ContentAsJSON 读取文件并解码为 JSON。
func (res *Resource) ContentAsJSON(v any) error {
	text, err := res.ContentAsText()
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("decode %s as json: %w", res.url, err)
	}
	return nil
}

// Close 释放持有的锁并忘记缓存文件名；从不删除文件，可重复调用。
func (res *Resource) Close() error {
	res.mu.Lock()
	defer res.mu.Unlock()

	err := res.releaseLocked()
	res.initialized = false
	res.cacheFile = ""
	return err
}

func (res *Resource) releaseLocked() error {
	if res.lock == nil {
		return nil
	}
	err := res.lock.Close()
	res.lock = nil
	return err
}

func (res *Resource) setHeadersLocked(lines []string) {
	res.headers = lines
	res.headerMap = sidecar.Parse(lines, res.logEntry())
	res.contentType = res.resolver.types.Derive(res.headerMap, res.url)
}

func (res *Resource) stateError(what string) error {
	return fmt.Errorf("%w: %s requested before retrieve for %s", ErrState, what, res.url)
}

func (res *Resource) logEntry() *logrus.Entry {
	return res.resolver.log.WithFields(logging.ResourceFields(res.url, res.uid, res.cacheFile, res.contentType, res.outcome == OutcomeHit || res.outcome == OutcomeHitAfterRace))
}

// Retrieve 执行缓存或抓取流程；已初始化时为空操作。
func (res *Resource) Retrieve(ctx context.Context) error {
	return res.retrieve(ctx, nil)
}

// RetrieveWithSubstitution 与 Retrieve 相同，但若本次发生了抓取，会在发布前
// 把内容中所有 key 字面替换为 value。命中缓存时不做替换。
func (res *Resource) RetrieveWithSubstitution(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty substitution key", ErrInvalidInput)
	}
	return res.retrieve(ctx, &substitution{key: key, value: value})
}
