// Package gate decides which remote URLs the server may fetch.
package gate

import (
	"fmt"
	"regexp"
	"strings"
)

// Gate 在发起任何远程请求前判断 URL 是否允许访问。
type Gate interface {
	IsAllowed(url string) bool
}

// Func 让普通函数满足 Gate 接口。
type Func func(url string) bool

// IsAllowed 调用底层函数。
func (f Func) IsAllowed(url string) bool {
	return f(url)
}

// AllowAll 放行所有 URL，仅用于测试或显式关闭白名单的场景。
var AllowAll Gate = Func(func(string) bool { return true })

// AllowList 使用正则白名单匹配完整 URL；列表为空时拒绝一切。
type AllowList struct {
	patterns []*regexp.Regexp
}

// NewAllowList 编译白名单正则，任一非法时返回错误。
func NewAllowList(patterns []string) (*AllowList, error) {
	list := &AllowList{}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("allowed host %q: %w", raw, err)
		}
		list.patterns = append(list.patterns, re)
	}
	return list, nil
}

// IsAllowed 任一正则命中即放行。
func (a *AllowList) IsAllowed(url string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Patterns 返回白名单原始正则，供诊断输出。
func (a *AllowList) Patterns() []string {
	if a == nil {
		return nil
	}
	result := make([]string, len(a.patterns))
	for i, re := range a.patterns {
		result[i] = re.String()
	}
	return result
}
