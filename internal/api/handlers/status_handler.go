package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/query"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/internal/storage/sqlite"
	"github.com/cryptobroker/backend/pkg/logger"
)

const recentRuns = 10

type HealthSource interface {
	Status() query.Health
}

type StatsStore interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*sqlite.Stats, error)
	RejectionCounts(ctx context.Context) (map[string]int, error)
	ListIngestionRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)
}

type StatusHandler struct {
	health HealthSource
	store  StatsStore
}

func NewStatusHandler(health HealthSource, store StatsStore) *StatusHandler {
	return &StatusHandler{
		health: health,
		store:  store,
	}
}

func (h *StatusHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// Ready reports 503 only when the local store is unreachable. Degraded vector or graph
// backends still serve queries.
func (h *StatusHandler) Ready(c *fiber.Ctx) error {
	if err := h.store.Ping(c.UserContext()); err != nil {
		logger.Warn("Readiness check failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unavailable",
		})
	}
	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

func (h *StatusHandler) GetStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		logger.Error("Failed to read stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read status",
		})
	}

	rejections, err := h.store.RejectionCounts(ctx)
	if err != nil {
		logger.Error("Failed to read rejection counts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read status",
		})
	}

	runs, err := h.store.ListIngestionRuns(ctx, recentRuns)
	if err != nil {
		logger.Error("Failed to list ingestion runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read status",
		})
	}
	if runs == nil {
		runs = []models.IngestionRun{}
	}

	return c.JSON(fiber.Map{
		"backends":    h.health.Status(),
		"stats":       stats,
		"rejections":  rejections,
		"recent_runs": runs,
	})
}
