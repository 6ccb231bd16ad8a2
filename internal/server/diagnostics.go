package server

import (
	"sort"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/datahub/internal/cache"
	"github.com/any-hub/datahub/internal/dispatch"
)

type handlerPayload struct {
	Name         string   `json:"name"`
	Actions      []string `json:"actions"`
	Substitution bool     `json:"substitution"`
}

type cachePayload struct {
	cache.Stats
	Entries []cache.EntryInfo `json:"entries,omitempty"`
}

// registerDiagnostics 暴露 /-/cache、/-/handlers 与 /-/metrics 诊断接口。
func registerDiagnostics(app *fiber.App, opts AppOptions) {
	store := opts.Resolver.Store()

	app.Get("/-/cache", func(c fiber.Ctx) error {
		stats, err := store.Stats()
		if err != nil {
			opts.Logger.WithError(err).Warn("cache stats failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		payload := cachePayload{Stats: stats}
		if c.Query("entries") == "true" {
			if payload.Entries, err = store.Entries(); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_unavailable"})
			}
		}
		return c.JSON(payload)
	})

	app.Get("/-/handlers", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"handlers": encodeHandlers(opts.Handlers.Handlers())})
	})

	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}
}

func encodeHandlers(list []*dispatch.Handler) []handlerPayload {
	result := make([]handlerPayload, 0, len(list))
	for _, h := range list {
		actions := h.Actions()
		sort.Strings(actions)
		result = append(result, handlerPayload{
			Name:         h.Name,
			Actions:      actions,
			Substitution: h.Substitution != nil,
		})
	}
	return result
}
