package gateway

import (
	"errors"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/pipeline"
	"github.com/teslashibe/go-voicedesk/pkg/session"
	"github.com/teslashibe/go-voicedesk/pkg/store"
)

const (
	defaultInteractionLimit = 100
	maxInteractionLimit     = 1000
)

// RegisterAPIRoutes registers the operator API on api.
func (g *Gateway) RegisterAPIRoutes(api fiber.Router) {
	sessions := api.Group("/sessions")
	sessions.Get("/", g.handleListSessions)
	sessions.Get("/stats", g.handleStats)
	sessions.Get("/:id", g.handleGetSession)
	sessions.Delete("/:id", g.handleTerminate)

	interactions := api.Group("/interactions")
	interactions.Get("/", g.handleInteractions)
	interactions.Get("/:sessionId", g.handleSessionInteractions)

	handoffs := api.Group("/handoffs")
	handoffs.Get("/", g.handleListHandoffs)
	handoffs.Delete("/:id", g.handleAcceptHandoff)
}

func (g *Gateway) handleListSessions(c *fiber.Ctx) error {
	sessions := g.registry.Sessions()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b session.Info) int {
		return strings.Compare(a.ID, b.ID)
	})
	return c.JSON(fiber.Map{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (g *Gateway) handleStats(c *fiber.Ctx) error {
	return c.JSON(g.GetStats())
}

func (g *Gateway) handleGetSession(c *fiber.Ctx) error {
	s, ok := g.registry.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	return c.JSON(s.Info())
}

func (g *Gateway) handleTerminate(c *fiber.Ctx) error {
	err := g.pipeline.Terminate(c.Params("id"), pipeline.ReasonOperator)
	if errors.Is(err, pipeline.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "terminated"})
}

func (g *Gateway) handleInteractions(c *fiber.Ctx) error {
	if g.store == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "persistence disabled"})
	}
	limit := c.QueryInt("limit", defaultInteractionLimit)
	if limit <= 0 || limit > maxInteractionLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit out of range"})
	}

	rows, err := g.store.Interactions(c.UserContext(), limit)
	if err != nil {
		g.logger.Warn("list interactions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "query failed"})
	}
	return c.JSON(fiber.Map{
		"interactions": rows,
		"count":        len(rows),
	})
}

func (g *Gateway) handleSessionInteractions(c *fiber.Ctx) error {
	if g.store == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "persistence disabled"})
	}
	id := c.Params("sessionId")

	rows, err := g.store.SessionInteractions(c.UserContext(), id)
	if err != nil {
		g.logger.Warn("list session interactions", zap.String("session_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "query failed"})
	}
	resp := fiber.Map{
		"session_id":   id,
		"interactions": rows,
		"count":        len(rows),
	}
	if row, err := g.store.Session(c.UserContext(), id); err == nil {
		resp["session"] = row
		if row.EndTime != nil {
			resp["duration_seconds"] = row.DurationSeconds()
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("load session row", zap.String("session_id", id), zap.Error(err))
	}
	return c.JSON(resp)
}

func (g *Gateway) handleListHandoffs(c *fiber.Ctx) error {
	tickets := g.handoff.Queue().List()
	return c.JSON(fiber.Map{
		"queue": tickets,
		"count": len(tickets),
	})
}

func (g *Gateway) handleAcceptHandoff(c *fiber.Ctx) error {
	t, ok := g.handoff.Accept(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no waiting caller with that session id"})
	}
	return c.JSON(t)
}
