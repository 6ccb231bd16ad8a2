package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/datahub/internal/config"
	"github.com/any-hub/datahub/internal/version"
)

const serviceName = "datahub"

// InitLogger 构建 JSON 日志器：级别来自配置，输出到轮转文件或 stdout，
// 每条记录附带 service 与 version 字段。包级 logrus 同步使用相同设置。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别 %q: %w", cfg.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(staticFields{
		"service": serviceName,
		"version": version.Version,
	})

	out, openErr := openOutput(cfg)
	logger.SetOutput(out)

	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(out)
	std.SetLevel(level)

	if openErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", openErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(openErr.Error())
	}
	return logger, nil
}

// Discard 返回丢弃所有输出的 logger，供测试及未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// Component 为组件日志附加固定的 component 字段，logger 为空时回退到 Discard。
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}

// openOutput 未配置日志文件时返回 stdout；日志目录无法创建时同样退回 stdout 并附带原因。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// staticFields 给每条记录补上固定字段，调用方显式设置的同名字段优先。
type staticFields logrus.Fields

func (staticFields) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h staticFields) Fire(entry *logrus.Entry) error {
	for k, v := range h {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
