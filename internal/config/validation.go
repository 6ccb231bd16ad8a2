package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fromValidationError(verrs[0])
		}
		return fmt.Errorf("配置校验失败: %w", err)
	}

	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}

	if expr := strings.TrimSpace(c.Cache.PurgeSchedule); expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			return newFieldError("Cache.PurgeSchedule", fmt.Sprintf("无法解析: %v", err))
		}
	}

	for i, pattern := range c.AllowedHosts {
		if _, err := regexp.Compile(pattern); err != nil {
			return newFieldError(fmt.Sprintf("AllowedHosts[%d]", i), fmt.Sprintf("正则非法: %v", err))
		}
	}

	seenTypes := map[string]struct{}{}
	for i, rule := range c.TypeMatch {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return newFieldError(ruleField("TypeMatch", i, "Pattern"), fmt.Sprintf("正则非法: %v", err))
		}
		seenTypes[rule.Type] = struct{}{}
	}

	seenMedia := map[string]struct{}{}
	for i, rule := range c.MimeTypes {
		if strings.Contains(rule.MediaType, ";") {
			return newFieldError(ruleField("MimeType", i, "MediaType"), "不应包含参数")
		}
		if _, dup := seenMedia[rule.MediaType]; dup {
			return newFieldError(ruleField("MimeType", i, "MediaType"), "重复")
		}
		seenMedia[rule.MediaType] = struct{}{}
	}

	return nil
}
