package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/store"
)

// RegisterLifecycleRoutes 暴露 /-/ 下的诊断接口与消息通道。
// handler 为 nil 时 /-/lifecycle 不输出 routing 字段。
func RegisterLifecycleRoutes(app *fiber.App, host *lifecycle.Host, sites *server.SiteRegistry, handler *proxy.Handler, logger *logrus.Logger) {
	if app == nil || host == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/stores", func(c fiber.Ctx) error {
		payload, err := encodeStores(c.Context(), host)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(payload)
	})

	app.Get("/-/lifecycle", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"status": host.Status(),
			"sites":  encodeSites(sites.List()),
		}
		if handler != nil {
			payload["routing"] = handler.Routing()
		}
		return c.JSON(payload)
	})

	app.Post("/-/messages", func(c fiber.Ctx) error {
		var ack lifecycle.Ack
		err := host.Post(c.Context(), c.Body(), lifecycle.ReplyFunc(func(reply lifecycle.Ack) {
			ack = reply
		}))
		if err != nil {
			logger.WithFields(logrus.Fields{
				"action":     "message",
				"request_id": server.RequestID(c),
			}).WithError(err).Warn("message_rejected")
			return c.Status(messageStatus(err)).JSON(ack)
		}
		return c.JSON(ack)
	})

	app.Post("/-/lifecycle/upgrade", func(c fiber.Ctx) error {
		version := strings.TrimSpace(gjson.GetBytes(c.Body(), "version").String())
		if version == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "version_required"})
		}
		go func() {
			if err := host.Upgrade(context.Background(), version); err != nil {
				logger.WithFields(logrus.Fields{"action": "upgrade", "cache_version": version}).
					WithError(err).Error("lifecycle_upgrade_failed")
			}
		}()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"version": version, "accepted": true})
	})
}

func messageStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidMessage), errors.Is(err, lifecycle.ErrUnknownAction):
		return fiber.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNoInstance):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

type storePayload struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

type storesPayload struct {
	Version string            `json:"version,omitempty"`
	Current map[string]string `json:"current,omitempty"`
	Stores  []storePayload    `json:"stores"`
}

func encodeStores(ctx context.Context, host *lifecycle.Host) (storesPayload, error) {
	provider := host.Provider()
	names, err := provider.Names(ctx)
	if err != nil {
		return storesPayload{}, err
	}

	var registry *store.Registry
	if active := host.Active(); active != nil {
		registry = active.Registry()
	}

	payload := storesPayload{Stores: make([]storePayload, 0, len(names))}
	if registry != nil {
		payload.Version = registry.Version()
		payload.Current = make(map[string]string, len(store.Roles()))
		for _, role := range store.Roles() {
			payload.Current[string(role)] = registry.Current(role)
		}
	}

	for _, name := range names {
		s, err := provider.Open(ctx, name)
		if err != nil {
			return storesPayload{}, err
		}
		keys, err := s.Keys(ctx)
		if err != nil {
			return storesPayload{}, err
		}
		entries := 0
		for _, key := range keys {
			if !store.IsMarker(key) {
				entries++
			}
		}
		payload.Stores = append(payload.Stores, storePayload{
			Name:    name,
			Current: registry != nil && registry.IsCurrent(name),
			Entries: entries,
		})
	}
	return payload, nil
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Type     string `json:"type"`
	Upstream string `json:"upstream"`
	AuthMode string `json:"auth_mode"`
	Port     int    `json:"port"`
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, sitePayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Type:     route.Config.Type,
			Upstream: route.Config.Upstream,
			AuthMode: route.Config.AuthMode(),
			Port:     route.ListenPort,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
