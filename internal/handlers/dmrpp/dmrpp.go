// Package dmrpp serves DMR++ metadata documents. The data access URL inside a
// fetched document is filled in before the cache entry is published, so every
// later hit already points at the right data file.
package dmrpp

import (
	"strings"

	"github.com/any-hub/datahub/internal/dispatch"
)

const (
	// Name 是该处理器对应的类型标签。
	Name = "dmrpp"
	// DataAccessKey 是 DMR++ 文档中代表数据文件 URL 的占位符。
	DataAccessKey = "OPeNDAP_DMRpp_DATA_ACCESS_URL"

	mediaType = "application/vnd.opendap.dmrpp+xml"
	suffix    = ".dmrpp"
)

func init() {
	dispatch.MustRegister(New())
}

// New 构造 dmrpp 处理器。
func New() *dispatch.Handler {
	return &dispatch.Handler{
		Name: Name,
		Methods: map[string]dispatch.Method{
			"get":     dispatch.StreamFile(mediaType),
			"headers": dispatch.WriteHeaders,
		},
		Substitution: Substitution,
	}
}

// Substitution 将占位符替换为去掉 .dmrpp 后缀的数据 URL。查询串保留在数据 URL 上。
func Substitution(url string) (string, string, bool) {
	base, query, hasQuery := strings.Cut(url, "?")
	if !strings.HasSuffix(base, suffix) || len(base) == len(suffix) {
		return "", "", false
	}
	data := strings.TrimSuffix(base, suffix)
	if hasQuery {
		data += "?" + query
	}
	return DataAccessKey, data, true
}
