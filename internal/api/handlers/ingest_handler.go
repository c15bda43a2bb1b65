package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/ingestion"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

type IngestionService interface {
	IngestBatch(ctx context.Context, docs []models.RawDocument) *ingestion.Summary
	Trigger(ctx context.Context, symbols []string, window time.Duration) (*ingestion.Summary, error)
}

type IngestHandler struct {
	processor     IngestionService
	defaultWindow time.Duration
}

func NewIngestHandler(processor IngestionService, defaultWindow time.Duration) *IngestHandler {
	if defaultWindow <= 0 {
		defaultWindow = 24 * time.Hour
	}
	return &IngestHandler{
		processor:     processor,
		defaultWindow: defaultWindow,
	}
}

// Ingest accepts a batch of raw documents and returns the per-document outcomes.
func (h *IngestHandler) Ingest(c *fiber.Ctx) error {
	var req struct {
		Documents []models.RawDocument `json:"documents"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Documents) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one document is required",
		})
	}

	summary := h.processor.IngestBatch(c.UserContext(), req.Documents)

	logger.Info("Ingestion batch processed",
		zap.Int("accepted", summary.Accepted),
		zap.Int("rejected", summary.Rejected),
		zap.Int("errors", summary.Errors),
	)

	return c.JSON(summary)
}

// Trigger collects fresh articles for the given symbols and ingests them. It is the entry
// point for the scheduled collection job.
func (h *IngestHandler) Trigger(c *fiber.Ctx) error {
	var req struct {
		Symbols []string `json:"symbols"`
		Window  string   `json:"window"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	window := h.defaultWindow
	if req.Window != "" {
		d, err := time.ParseDuration(req.Window)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "window must be a positive duration such as 24h",
			})
		}
		window = d
	}

	summary, err := h.processor.Trigger(c.UserContext(), req.Symbols, window)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to run ingestion trigger", zap.Error(err))
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Failed to collect documents",
		})
	}

	return c.JSON(summary)
}
