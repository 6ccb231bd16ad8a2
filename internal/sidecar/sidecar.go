// Package sidecar persists the response header lines of a cached resource
// next to its content file. The format is plain text with one raw header line
// per line, so a sidecar written after a fetch reloads into exactly the same
// ordered list on a later cache hit.
package sidecar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Suffix 附加在缓存文件名之后构成 sidecar 文件名。
const Suffix = ".hdrs"

const separator = ": "

// Path 返回缓存文件对应的 sidecar 路径。
func Path(cacheFile string) string {
	return cacheFile + Suffix
}

// IsSidecar 判断文件名是否为 sidecar。
func IsSidecar(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

// Write 将 header 行逐行写入 path；先写临时文件再 rename，读者不会看到半个 sidecar。
func Write(path string, lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create sidecar: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err = w.WriteString(line); err != nil {
			break
		}
		if err = w.WriteByte('\n'); err != nil {
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write sidecar: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish sidecar: %w", err)
	}
	return nil
}

// Read 按行读取 sidecar，保持写入时的顺序。
func Read(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sidecar: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	return lines, nil
}

// Parse 将 header 行转换为小写键的映射。没有 ": " 分隔符的行（例如状态行）
// 记录后跳过；同名 header 以最后出现的值为准，重定向链中最终响应的值生效。
func Parse(lines []string, log logrus.FieldLogger) map[string]string {
	headers := make(map[string]string, len(lines))
	for _, line := range lines {
		idx := strings.Index(line, separator)
		if idx < 0 {
			if log != nil {
				log.WithField("line", line).Debug("skip malformed header line")
			}
			continue
		}
		key := strings.ToLower(line[:idx])
		if key == "" {
			continue
		}
		headers[key] = line[idx+len(separator):]
	}
	return headers
}
