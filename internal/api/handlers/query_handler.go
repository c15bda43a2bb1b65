package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cryptobroker/backend/internal/query"
	"github.com/cryptobroker/backend/internal/storage/models"
	"github.com/cryptobroker/backend/pkg/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type QueryService interface {
	Query(ctx context.Context, req query.Request) (*query.Response, error)
	TrendingTopics(ctx context.Context, window time.Duration, limit int) (*query.TrendingResponse, error)
}

type HistoryStore interface {
	GetQueryHistory(ctx context.Context, limit int) ([]models.QueryRecord, error)
}

type QueryHandler struct {
	engine  QueryService
	history HistoryStore
}

func NewQueryHandler(engine QueryService, history HistoryStore) *QueryHandler {
	return &QueryHandler{
		engine:  engine,
		history: history,
	}
}

type queryRequest struct {
	Query     string   `json:"query"`
	QueryType string   `json:"query_type"`
	Symbols   []string `json:"symbols"`
	TimeRange *struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	} `json:"time_range"`
	Limit int `json:"limit"`
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	queryReq := query.Request{
		Text:    req.Query,
		Type:    models.QueryType(req.QueryType),
		Symbols: req.Symbols,
		Limit:   req.Limit,
	}
	if req.TimeRange != nil {
		queryReq.TimeRange = &models.TimeRange{From: req.TimeRange.From, To: req.TimeRange.To}
	}

	response, err := h.engine.Query(c.UserContext(), queryReq)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	return c.JSON(response)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	limit, err := parseLimit(c.Query("limit"), defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	records, err := h.history.GetQueryHistory(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to get query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get query history",
		})
	}
	if records == nil {
		records = []models.QueryRecord{}
	}

	return c.JSON(fiber.Map{
		"history": records,
	})
}

// GetTrending serves GET /trending?window=24h&limit=10.
func (h *QueryHandler) GetTrending(c *fiber.Ctx) error {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "window must be a positive duration such as 24h",
			})
		}
		window = d
	}

	limit, err := parseLimit(c.Query("limit"), 0, 0)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	resp, err := h.engine.TrendingTopics(c.UserContext(), window, limit)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to get trending topics", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get trending topics",
		})
	}

	return c.JSON(resp)
}

// parseLimit reads a positive integer. An upper bound of 0 leaves bounding to the callee.
func parseLimit(raw string, def, upper int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || (upper > 0 && n > upper) {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}
