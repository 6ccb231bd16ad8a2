package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/datahub/internal/dispatch"
	"github.com/any-hub/datahub/internal/logging"
	"github.com/any-hub/datahub/internal/resource"
)

const (
	defaultAction = "get"
	headerUserID  = "X-User-Id"
)

type dataHandler struct {
	resolver *resource.Resolver
	handlers *dispatch.List
	logger   *logrus.Logger
}

func newDataHandler(opts AppOptions) *dataHandler {
	return &dataHandler{
		resolver: opts.Resolver,
		handlers: opts.Handlers,
		logger:   opts.Logger,
	}
}

// handle 解析 url 参数、分发到对应处理器，响应写完后释放缓存锁。
func (h *dataHandler) handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)
	url := c.Query("url")
	action := c.Query("action", defaultAction)
	uid := c.Get(headerUserID)

	if url == "" {
		return h.respondError(c, requestID, url, action, errorMissingURL, started)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := dispatch.NewRequest(h.resolver, action, uid, c.Response().BodyWriter(), url)
	req.Logger = logging.Component(h.logger, "dispatch").WithField("request_id", requestID)
	defer func() {
		if err := req.Close(); err != nil {
			h.logger.WithError(err).WithField("request_id", requestID).Warn("release cache lock failed")
		}
	}()

	if err := h.handlers.ExecuteEach(ctx, req); err != nil {
		c.Response().ResetBody()
		return h.respondError(c, requestID, url, action, err, started)
	}

	if req.ContentType != "" {
		c.Set(fiber.HeaderContentType, req.ContentType)
	}
	cont := req.Containers[0]
	if cont.Resource != nil && cont.Resource.FromCache() {
		c.Set("X-Datahub-Cache-Hit", "true")
	} else {
		c.Set("X-Datahub-Cache-Hit", "false")
	}
	h.logResult(requestID, url, action, uid, cont, fiber.StatusOK, started, nil)
	c.Status(fiber.StatusOK)
	return nil
}

var errorMissingURL = errors.New("missing url parameter")

func (h *dataHandler) respondError(c fiber.Ctx, requestID, url, action string, err error, started time.Time) error {
	status, code := classify(err)
	h.logResult(requestID, url, action, c.Get(headerUserID), nil, status, started, err)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// classify 将错误映射为 HTTP 状态码与稳定的错误代码。
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errorMissingURL):
		return fiber.StatusBadRequest, "invalid_input"
	case errors.Is(err, dispatch.ErrNoHandler):
		return fiber.StatusNotImplemented, "no_handler"
	case errors.Is(err, dispatch.ErrNoMethod):
		return fiber.StatusNotImplemented, "no_method"
	case errors.Is(err, dispatch.ErrHandlerPanic):
		return fiber.StatusInternalServerError, "handler_panic"
	}

	code := resource.Code(err)
	switch code {
	case "invalid_input":
		return fiber.StatusBadRequest, code
	case "permission_denied":
		return fiber.StatusForbidden, code
	case "transport_failure":
		return fiber.StatusBadGateway, code
	case "cache_unavailable":
		return fiber.StatusServiceUnavailable, code
	default:
		return fiber.StatusInternalServerError, code
	}
}

func (h *dataHandler) logResult(requestID, url, action, uid string, cont *dispatch.Container, status int, started time.Time, err error) {
	var cacheFile, contentType string
	var hit bool
	if cont != nil && cont.Resource != nil {
		cacheFile, _ = cont.Resource.CacheFilePath()
		contentType = cont.Type
		hit = cont.Resource.FromCache()
	}

	fields := logging.ResourceFields(url, uid, cacheFile, contentType, hit)
	fields["action"] = action
	fields["request_id"] = requestID
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()

	entry := h.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("data request failed")
		return
	}
	entry.Info("data request served")
}
