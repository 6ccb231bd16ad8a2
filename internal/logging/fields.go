package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ResourceFields 提供资源 URL、缓存文件与命中状态字段，供解析与分发日志复用。
func ResourceFields(url, uid, cacheFile, contentType string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"url":          url,
		"cache_file":   cacheFile,
		"content_type": contentType,
		"cache_hit":    cacheHit,
	}
	if uid != "" {
		fields["uid"] = uid
	}
	return fields
}
