package resource

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/any-hub/datahub/internal/config"
)

// Unknown 是无法识别内容类型时的类型标签。
const Unknown = "unknown"

type typeRule struct {
	tag     string
	pattern *regexp.Regexp
}

// TypeMatcher 根据响应头与 URL 推导内容类型标签。
type TypeMatcher struct {
	rules []typeRule
	mimes map[string]string
}

// NewTypeMatcher 编译扩展名规则与媒体类型映射；两者为空时使用内置默认值。
func NewTypeMatcher(rules []config.TypeRule, mimes []config.MimeRule) (*TypeMatcher, error) {
	if len(rules) == 0 {
		rules = config.DefaultTypeRules()
	}
	if len(mimes) == 0 {
		mimes = config.DefaultMimeRules()
	}

	m := &TypeMatcher{mimes: make(map[string]string, len(mimes))}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("type rule %s: %w", rule.Type, err)
		}
		m.rules = append(m.rules, typeRule{tag: rule.Type, pattern: re})
	}
	for _, rule := range mimes {
		media := strings.ToLower(strings.TrimSpace(rule.MediaType))
		if _, exists := m.mimes[media]; !exists {
			m.mimes[media] = rule.Type
		}
	}
	return m, nil
}

// Derive 按优先级推导类型：Content-Disposition 文件名、Content-Type、URL 路径，
// 都不命中时返回 Unknown。headers 的键须为小写。
func (m *TypeMatcher) Derive(headers map[string]string, rawURL string) string {
	if v, ok := headers["content-disposition"]; ok {
		if tag, ok := m.FromDisposition(v); ok {
			return tag
		}
	}
	if v, ok := headers["content-type"]; ok {
		if tag, ok := m.FromContentType(v); ok {
			return tag
		}
	}
	if tag, ok := m.FromURL(rawURL); ok {
		return tag
	}
	return Unknown
}

// MatchName 用扩展名规则匹配文件名或路径，按配置顺序首个命中生效。
func (m *TypeMatcher) MatchName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, rule := range m.rules {
		if rule.pattern.MatchString(name) {
			return rule.tag, true
		}
	}
	return "", false
}

// FromDisposition 解析 Content-Disposition 中的 filename 并按扩展名匹配。
func (m *TypeMatcher) FromDisposition(value string) (string, bool) {
	filename := dispositionFilename(value)
	if filename == "" {
		return "", false
	}
	return m.MatchName(path.Base(filename))
}

// FromContentType 去掉参数后按媒体类型查表。
func (m *TypeMatcher) FromContentType(value string) (string, bool) {
	media, _, err := mime.ParseMediaType(value)
	if err != nil {
		media, _, _ = strings.Cut(value, ";")
		media = strings.ToLower(strings.TrimSpace(media))
	}
	if media == "" {
		return "", false
	}
	tag, ok := m.mimes[media]
	return tag, ok
}

// FromURL 只使用 URL 的路径部分匹配，忽略查询串与片段。
func (m *TypeMatcher) FromURL(rawURL string) (string, bool) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	} else {
		p, _, _ = strings.Cut(p, "?")
		p, _, _ = strings.Cut(p, "#")
	}
	return m.MatchName(p)
}

func dispositionFilename(value string) string {
	if _, params, err := mime.ParseMediaType(value); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	// 非严格格式，例如未加引号且包含空格的文件名。
	lower := strings.ToLower(value)
	idx := strings.Index(lower, "filename=")
	if idx < 0 {
		return ""
	}
	name := value[idx+len("filename="):]
	name, _, _ = strings.Cut(name, ";")
	return strings.Trim(strings.TrimSpace(name), `"'`)
}
