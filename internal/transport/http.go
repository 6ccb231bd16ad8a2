package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/config"
	"github.com/any-hub/datahub/internal/logging"
)

// ErrTransport 标记所有网络与协议层失败，包括不完整的传输。
var ErrTransport = errors.New("transport failure")

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Code)
}

// Unwrap 使 errors.Is(err, ErrTransport) 成立。
func (e *StatusError) Unwrap() error {
	return ErrTransport
}

// Fetcher 执行 GET 并把正文写入 sink，返回原始响应头行。只要返回 nil error，
// sink 中就是完整的正文。
type Fetcher interface {
	Fetch(ctx context.Context, url string, sink io.Writer) ([]string, error)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// hopByHopHeaders 定义 RFC 7230 中不属于资源本身的逐跳头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// Options 控制 HTTPTransport 的超时与重试。
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	UserAgent      string
	Logger         *logrus.Logger
	Client         *http.Client
}

// HTTPTransport 基于共享 http.Client 实现 Fetcher。
type HTTPTransport struct {
	client         *http.Client
	maxRetries     int
	initialBackoff time.Duration
	userAgent      string
	log            *logrus.Entry
}

// New 构造 HTTPTransport；未指定 Client 时克隆共享 Transport。
func New(opts Options) *HTTPTransport {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPTransport{
		client:         client,
		maxRetries:     retries,
		initialBackoff: initial,
		userAgent:      opts.UserAgent,
		log:            logging.Component(opts.Logger, "transport"),
	}
}

// NewFromConfig 使用全局配置中的超时、重试与 UA 构造 HTTPTransport。
func NewFromConfig(cfg config.GlobalConfig, logger *logrus.Logger) *HTTPTransport {
	return New(Options{
		Timeout:        cfg.UpstreamTimeout.DurationValue(),
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff.DurationValue(),
		UserAgent:      cfg.UserAgent,
		Logger:         logger,
	})
}

// Fetch 发起 GET。连接错误与 5xx 在写入任何字节之前按指数退避重试；
// 其他非 2xx 立即失败；正文复制出错不重试，统一返回 ErrTransport。
func (t *HTTPTransport) Fetch(ctx context.Context, url string, sink io.Writer) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %v", ErrTransport, err))
		}
		if t.userAgent != "" {
			req.Header.Set("User-Agent", t.userAgent)
		}

		r, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %v", ErrTransport, ctx.Err()))
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if r.StatusCode >= http.StatusInternalServerError {
			drainAndClose(r.Body)
			return &StatusError{URL: url, Code: r.StatusCode}
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			drainAndClose(r.Body)
			return backoff.Permanent(&StatusError{URL: url, Code: r.StatusCode})
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initialBackoff
	policy.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		t.log.WithFields(logrus.Fields{"url": url, "retry_in": wait.String()}).WithError(err).Warn("fetch retry")
	}
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(t.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, retryPolicy, notify); err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	written, err := copyWithContext(ctx, sink, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body of %s: %v", ErrTransport, url, err)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return nil, fmt.Errorf("%w: partial transfer of %s: %d of %d bytes", ErrTransport, url, written, resp.ContentLength)
	}

	t.log.WithFields(logrus.Fields{"url": url, "bytes": written, "status": resp.StatusCode}).Debug("fetch complete")
	return headerLines(resp), nil
}

// headerLines 输出状态行及按键排序的 "Key: value" 行，忽略逐跳头。
func headerLines(resp *http.Response) []string {
	lines := []string{fmt.Sprintf("%s %s", resp.Proto, resp.Status)}
	keys := make([]string, 0, len(resp.Header))
	for key := range resp.Header {
		if IsHopByHopHeader(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range resp.Header[key] {
			lines = append(lines, key+": "+value)
		}
	}
	return lines
}

// IsHopByHopHeader reports whether the header describes the connection rather than the resource.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
