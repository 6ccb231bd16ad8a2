package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(fixture("missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
CacheDir = "./data"
LockTimeout = "boom"
`
	if _, err := loadInline(t, cfg); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsInvalidByteSize(t *testing.T) {
	cfg := `
LogLevel = "info"
CacheDir = "./data"
MaxCacheSize = "a few"
`
	if _, err := loadInline(t, cfg); err == nil {
		t.Fatalf("无效容量应失败")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DATAHUB_CACHEPREFIX", "envpfx")
	cfg, err := loadInline(t, `
LogLevel = "info"
CacheDir = "./data"
`)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Cache.Prefix != "envpfx" {
		t.Fatalf("环境变量应覆盖 CachePrefix，得到 %s", cfg.Cache.Prefix)
	}
}
