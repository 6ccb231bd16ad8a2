package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoHandler 表示容器类型没有注册处理器。
	ErrNoHandler = errors.New("no handler for data type")
	// ErrNoMethod 表示处理器不支持请求的 action。
	ErrNoMethod = errors.New("handler does not support action")
	// ErrHandlerPanic 表示处理器方法发生 panic。
	ErrHandlerPanic = errors.New("handler panic")
)

// List 按名称保存处理器，并发安全。
type List struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

// NewList 创建空列表。
func NewList() *List {
	return &List{handlers: make(map[string]*Handler)}
}

// Add 注册处理器；名称为空或已存在时返回 false。
func (l *List) Add(name string, h *Handler) bool {
	key := normalizeName(name)
	if key == "" || h == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.handlers[key]; exists {
		return false
	}
	if h.Name == "" {
		h.Name = key
	}
	l.handlers[key] = h
	return true
}

// Remove 移除并返回处理器，不存在时返回 nil。
func (l *List) Remove(name string) *Handler {
	key := normalizeName(name)

	l.mu.Lock()
	defer l.mu.Unlock()

	h := l.handlers[key]
	delete(l.handlers, key)
	return h
}

// Find 按名称查找处理器。
func (l *List) Find(name string) *Handler {
	key := normalizeName(name)
	if key == "" {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.handlers[key]
}

// Names 返回按名称排序、以 ", " 连接的处理器列表。
func (l *List) Names() string {
	return strings.Join(l.keys(), ", ")
}

// Handlers 返回按名称排序的处理器。
func (l *List) Handlers() []*Handler {
	keys := l.keys()

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Handler, 0, len(keys))
	for _, key := range keys {
		if h, ok := l.handlers[key]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (l *List) keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]string, 0, len(l.handlers))
	for key := range l.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ExecuteCurrent 获取当前容器的资源，按其类型选择处理器并执行 action。
// 没有当前容器时为空操作。
func (l *List) ExecuteCurrent(ctx context.Context, req *Request) error {
	c := req.Current()
	if c == nil {
		return nil
	}
	if err := c.Access(ctx, req, l); err != nil {
		return err
	}

	h := l.Find(c.Type)
	if h == nil {
		return fmt.Errorf("%w: %q (registered: %s)", ErrNoHandler, c.Type, l.Names())
	}
	m, ok := h.FindMethod(req.Action)
	if !ok {
		return fmt.Errorf("%w: handler %q does not handle %q", ErrNoMethod, h.Name, req.Action)
	}
	return invoke(ctx, req, c, h, m)
}

// ExecuteEach 对请求中的每个容器依次执行 ExecuteCurrent，遇到错误即停止。
func (l *List) ExecuteEach(ctx context.Context, req *Request) error {
	for c := req.First(); c != nil; c = req.Next() {
		if err := l.ExecuteCurrent(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteAll 调用所有支持该 action 的处理器，不涉及容器。
func (l *List) ExecuteAll(ctx context.Context, req *Request) error {
	for _, h := range l.Handlers() {
		m, ok := h.FindMethod(req.Action)
		if !ok {
			continue
		}
		if err := invoke(ctx, req, nil, h, m); err != nil {
			return err
		}
	}
	return nil
}

func invoke(ctx context.Context, req *Request, c *Container, h *Handler, m Method) (err error) {
	defer func() {
		if r := recover(); r != nil {
			req.log().WithFields(logrus.Fields{
				"handler": h.Name,
				"action":  req.Action,
				"stack":   string(debug.Stack()),
			}).Error("handler panic")
			err = fmt.Errorf("%w: %s/%s: %v", ErrHandlerPanic, h.Name, req.Action, r)
		}
	}()
	return m(ctx, req, c)
}
