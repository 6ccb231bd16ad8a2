package dispatch

import (
	"context"
	"strings"
)

// Method 处理某一 action。c 在 ExecuteAll 中为 nil。
type Method func(ctx context.Context, req *Request, c *Container) error

// SubstitutionFunc 返回抓取时需要写入内容的占位符与替换值；ok 为 false 表示不替换。
type SubstitutionFunc func(url string) (key, value string, ok bool)

// Handler 描述某一类型标签的处理器。
type Handler struct {
	Name         string
	Methods      map[string]Method
	Substitution SubstitutionFunc
}

// FindMethod 返回 action 对应的方法，action 大小写不敏感。
func (h *Handler) FindMethod(action string) (Method, bool) {
	if h == nil || h.Methods == nil {
		return nil, false
	}
	m, ok := h.Methods[normalizeName(action)]
	return m, ok && m != nil
}

// Actions 返回已声明的 action 名称。
func (h *Handler) Actions() []string {
	if h == nil {
		return nil
	}
	out := make([]string, 0, len(h.Methods))
	for name := range h.Methods {
		out = append(out, name)
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
