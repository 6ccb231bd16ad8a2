package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/config"
	"github.com/any-hub/datahub/internal/gate"
	"github.com/any-hub/datahub/internal/metrics"
	"github.com/any-hub/datahub/internal/resource"
	"github.com/any-hub/datahub/internal/transport"
	"github.com/any-hub/datahub/internal/version"
)

// services 汇总进程内共享的组件，所有请求使用同一个缓存与解析器。
type services struct {
	store    *cache.Store
	resolver *resource.Resolver
	metrics  *metrics.Collector
}

// buildServices 按“缓存目录 → 传输 → 白名单 → 类型规则 → 解析器”顺序装配组件。
func buildServices(cfg *config.Config, logger *logrus.Logger, withRuntimeMetrics bool) (*services, error) {
	store, err := cache.NewStore(cache.Options{
		Dir:         cfg.Cache.Dir,
		Prefix:      cfg.Cache.Prefix,
		MaxSize:     cfg.Cache.MaxSize.Int64(),
		PurgeFactor: cfg.Cache.PurgeFactor,
		LockTimeout: cfg.Cache.LockTimeout.DurationValue(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	global := cfg.Global
	if global.UserAgent == "" {
		global.UserAgent = version.UserAgent()
	}
	fetcher := transport.NewFromConfig(global, logger)

	allow, err := gate.NewAllowList(cfg.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("构建主机白名单失败: %w", err)
	}

	types, err := resource.NewTypeMatcher(cfg.TypeMatch, cfg.MimeTypes)
	if err != nil {
		return nil, fmt.Errorf("编译类型规则失败: %w", err)
	}

	collector := metrics.New(withRuntimeMetrics)
	resolver, err := resource.NewResolver(resource.Options{
		Store:       store,
		Transport:   fetcher,
		Gate:        allow,
		Types:       types,
		CatalogRoot: cfg.CatalogRoot,
		Logger:      logger,
		Observer:    collector,
	})
	if err != nil {
		return nil, err
	}

	return &services{store: store, resolver: resolver, metrics: collector}, nil
}
