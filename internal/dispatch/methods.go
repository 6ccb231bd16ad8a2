package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/any-hub/datahub/internal/resource"
)

// ErrNoContainer 表示需要容器的方法在 ExecuteAll 中被调用。
var ErrNoContainer = errors.New("method requires a container")

// StreamFile 将容器的本地文件原样写入 Output。contentType 为空时使用上游的
// Content-Type，仍为空则使用 application/octet-stream。
func StreamFile(contentType string) Method {
	return func(_ context.Context, req *Request, c *Container) error {
		if c == nil || c.Resource == nil {
			return ErrNoContainer
		}
		path, err := c.Resource.CacheFilePath()
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", resource.ErrIO, path, err)
		}
		defer f.Close()

		req.ContentType = contentType
		if req.ContentType == "" {
			if v, ok := c.Resource.ResponseHeader("content-type"); ok {
				req.ContentType = v
			}
		}
		if req.ContentType == "" {
			req.ContentType = "application/octet-stream"
		}
		if _, err := io.Copy(req.Output, f); err != nil {
			return fmt.Errorf("%w: copy %s: %v", resource.ErrIO, path, err)
		}
		return nil
	}
}

// WriteHeaders 输出缓存的上游响应头，每行一个。本地文件没有响应头。
func WriteHeaders(_ context.Context, req *Request, c *Container) error {
	if c == nil || c.Resource == nil {
		return ErrNoContainer
	}
	lines, err := c.Resource.ResponseHeaders()
	if err != nil {
		return err
	}
	req.ContentType = "text/plain; charset=utf-8"
	if len(lines) == 0 {
		return nil
	}
	_, err = io.WriteString(req.Output, strings.Join(lines, "\n")+"\n")
	return err
}
