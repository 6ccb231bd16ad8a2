// Package jsondoc serves JSON documents after checking that they decode.
package jsondoc

import (
	"context"
	"encoding/json"

	"github.com/any-hub/datahub/internal/dispatch"
)

// Name 是该处理器对应的类型标签。
const Name = "json"

func init() {
	dispatch.MustRegister(New())
}

// New 构造 json 处理器。
func New() *dispatch.Handler {
	return &dispatch.Handler{
		Name: Name,
		Methods: map[string]dispatch.Method{
			"get":     get,
			"headers": dispatch.WriteHeaders,
		},
	}
}

// get 解码缓存的文档并以紧凑格式重新输出，无效 JSON 直接报错。
func get(_ context.Context, req *dispatch.Request, c *dispatch.Container) error {
	if c == nil || c.Resource == nil {
		return dispatch.ErrNoContainer
	}
	var doc any
	if err := c.Resource.ContentAsJSON(&doc); err != nil {
		return err
	}
	req.ContentType = "application/json"
	return json.NewEncoder(req.Output).Encode(doc)
}
