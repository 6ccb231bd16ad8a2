package dispatch

import "fmt"

var defaultList = NewList()

// Default 返回进程级处理器列表，处理器包在 init() 中向其注册。
func Default() *List {
	return defaultList
}

// Register 将处理器加入默认列表，重复名称会返回错误。
func Register(h *Handler) error {
	if h == nil || normalizeName(h.Name) == "" {
		return fmt.Errorf("handler name is required")
	}
	if !defaultList.Add(h.Name, h) {
		return fmt.Errorf("handler %s already registered", normalizeName(h.Name))
	}
	return nil
}

// MustRegister 在注册失败时 panic，适合处理器包的 init() 中调用。
func MustRegister(h *Handler) {
	if err := Register(h); err != nil {
		panic(err)
	}
}
