package resource

import (
	"errors"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/transport"
)

var (
	// ErrInvalidInput 表示 URL 为空、scheme 不受支持或本地路径越界。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPermissionDenied 表示目标主机未通过白名单。
	ErrPermissionDenied = errors.New("permission denied")
	// ErrCacheUnavailable 表示缓存不可用，当前请求无法继续。
	ErrCacheUnavailable = cache.ErrUnavailable
	// ErrTransport 表示抓取失败，包括不完整的传输。
	ErrTransport = transport.ErrTransport
	// ErrState 表示在 Retrieve 成功之前调用了访问器。
	ErrState = errors.New("resource not retrieved")
	// ErrIO 表示 sidecar 或替换过程中的读写失败。
	ErrIO = errors.New("resource io failure")
)

// Code 将错误归类为稳定的字符串代码，供日志、指标与 HTTP 响应使用。
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, ErrTransport):
		return "transport_failure"
	case errors.Is(err, ErrState):
		return "state_error"
	case errors.Is(err, ErrIO):
		return "io_failure"
	default:
		return "internal"
	}
}
