// Package raw serves cached resources byte for byte. It registers one
// handler per binary type tag it understands.
package raw

import (
	"github.com/any-hub/datahub/internal/dispatch"
)

// mediaTypes 为每个类型标签指定响应的 Content-Type；空值表示沿用上游响应头。
var mediaTypes = map[string]string{
	"unknown": "",
	"h5":      "application/x-hdf5",
	"h4":      "application/x-hdf",
	"nc":      "application/x-netcdf",
	"csv":     "text/csv; charset=utf-8",
}

func init() {
	for _, h := range Handlers() {
		dispatch.MustRegister(h)
	}
}

// Handlers 返回本包提供的全部处理器。
func Handlers() []*dispatch.Handler {
	out := make([]*dispatch.Handler, 0, len(mediaTypes))
	for tag, media := range mediaTypes {
		out = append(out, New(tag, media))
	}
	return out
}

// New 构造一个透传处理器，支持 get 与 headers。
func New(tag, mediaType string) *dispatch.Handler {
	return &dispatch.Handler{
		Name: tag,
		Methods: map[string]dispatch.Method{
			"get":     dispatch.StreamFile(mediaType),
			"headers": dispatch.WriteHeaders,
		},
	}
}
