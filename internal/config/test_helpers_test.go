package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixture 返回 testdata 下的配置样例路径。
func fixture(name string) string {
	return filepath.Join("testdata", name)
}

// loadInline 把一段 TOML 写入临时目录后交给 Load，返回加载结果。
func loadInline(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datahub.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(body)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return Load(path)
}
