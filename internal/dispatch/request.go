package dispatch

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/resource"
)

// Container 是请求中的一个数据源。Access 之后 Resource 持有读锁，
// Type 为推导出的类型标签。
type Container struct {
	URL      string
	Type     string
	Resource *resource.Resource
}

// Request 是一次分发的上下文，处理器把响应写入 Output。
type Request struct {
	Action     string
	UID        string
	Resolver   *resource.Resolver
	Containers []*Container
	Output     io.Writer
	Logger     *logrus.Entry

	// ContentType 由处理器设置，调用方据此设置响应头。
	ContentType string

	current int
}

// NewRequest 为每个 URL 创建一个 Container。
func NewRequest(resolver *resource.Resolver, action, uid string, out io.Writer, urls ...string) *Request {
	req := &Request{
		Action:   normalizeName(action),
		UID:      uid,
		Resolver: resolver,
		Output:   out,
	}
	for _, u := range urls {
		req.Containers = append(req.Containers, &Container{URL: u})
	}
	return req
}

// Current 返回当前容器，没有更多容器时返回 nil。
func (r *Request) Current() *Container {
	if r.current < 0 || r.current >= len(r.Containers) {
		return nil
	}
	return r.Containers[r.current]
}

// First 将游标移到第一个容器。
func (r *Request) First() *Container {
	r.current = 0
	return r.Current()
}

// Next 将游标移到下一个容器。
func (r *Request) Next() *Container {
	if r.current < len(r.Containers) {
		r.current++
	}
	return r.Current()
}

// Close 释放所有容器持有的锁。
func (r *Request) Close() error {
	var errs []error
	for _, c := range r.Containers {
		if c.Resource == nil {
			continue
		}
		if err := c.Resource.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Request) log() *logrus.Entry {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Access 解析并获取容器的资源。若按 URL 猜测出的类型对应的处理器声明了
// 替换规则，抓取时会应用替换。重复调用为空操作。
func (c *Container) Access(ctx context.Context, req *Request, list *List) error {
	if c.Resource != nil {
		return nil
	}
	if req.Resolver == nil {
		return errors.New("request has no resolver")
	}

	res, err := req.Resolver.New(c.URL, req.UID)
	if err != nil {
		return err
	}

	var key, value string
	var substitute bool
	if guess, ok := req.Resolver.Types().FromURL(c.URL); ok && list != nil {
		if h := list.Find(guess); h != nil && h.Substitution != nil {
			key, value, substitute = h.Substitution(c.URL)
		}
	}

	if substitute {
		err = res.RetrieveWithSubstitution(ctx, key, value)
	} else {
		err = res.Retrieve(ctx)
	}
	if err != nil {
		res.Close()
		return err
	}

	tag, err := res.ContentType()
	if err != nil {
		res.Close()
		return err
	}
	c.Resource = res
	c.Type = tag
	return nil
}
