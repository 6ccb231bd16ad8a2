package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// ruleField 用于拼接列表项字段路径，输出 TypeMatch[0].Pattern 形式。
func ruleField(list string, idx int, field string) string {
	return fmt.Sprintf("%s[%d].%s", list, idx, field)
}

// fromValidationError 将 validator 的首个失败项翻译为 FieldError。
func fromValidationError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return newFieldError(field, "不能为空")
	case "min", "gte":
		return newFieldError(field, "不能小于 "+fe.Param())
	case "max":
		return newFieldError(field, "不能大于 "+fe.Param())
	case "gt":
		return newFieldError(field, "必须大于 "+fe.Param())
	case "lt":
		return newFieldError(field, "必须小于 "+fe.Param())
	case "excludesall":
		return newFieldError(field, "不能包含路径分隔符")
	default:
		return newFieldError(field, "校验失败: "+fe.Tag())
	}
}
