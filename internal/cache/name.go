package cache

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/minio/sha256-simd"

	"github.com/any-hub/datahub/internal/sidecar"
)

const maxReadableName = 200

// FileName 将 URL 映射为缓存目录下的文件路径。纯函数，不访问文件系统。
//
// mangle 为 true 时使用 URL 的 sha256 摘要；为 false 时保留可读形式，
// 非 [A-Za-z0-9._-] 字符替换为 '#'，过长或与保留后缀冲突时退回摘要形式。
// 两种形式都不含路径分隔符，结果始终是缓存目录的直接子文件。
func (s *Store) FileName(url string, mangle bool) string {
	return filepath.Join(s.dir, entryName(s.prefix, url, mangle))
}

func entryName(prefix, url string, mangle bool) string {
	if !mangle {
		readable := prefix + nameSepValue + sanitize(url)
		if len(readable) <= maxReadableName && !isReservedName(readable) {
			return readable
		}
	}
	sum := sha256.Sum256([]byte(url))
	return prefix + nameSepValue + hex.EncodeToString(sum[:])
}

func sanitize(url string) string {
	var b strings.Builder
	b.Grow(len(url))
	for i := 0; i < len(url); i++ {
		c := url[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('#')
		}
	}
	return b.String()
}

// isReservedName 判断文件名是否会与 sidecar、临时文件或 cache_info 混淆。
func isReservedName(name string) bool {
	return sidecar.IsSidecar(name) ||
		strings.Contains(name, tempMarker) ||
		strings.HasSuffix(name, infoSuffix)
}
