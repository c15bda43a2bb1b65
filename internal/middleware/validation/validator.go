package validation

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	xssPattern    = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
	symbolPattern = regexp.MustCompile(`^[A-Za-z0-9]{2,10}$`)
)

type Config struct {
	MaxQueryLength      int
	MaxBatchSize        int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed query and ingest requests before they reach the handlers.
// The sanitized body is stored in Locals under "sanitized_body".
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 1 << 20
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		contentType := c.Get(fiber.HeaderContentType)
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return fail(c, fiber.StatusUnsupportedMediaType, "Unsupported content type")
		}

		path := c.Path()
		switch {
		case strings.HasSuffix(path, "/query"):
			return validateQuery(c, cfg)
		case strings.HasSuffix(path, "/ingest/trigger"):
			return validateTrigger(c)
		case strings.HasSuffix(path, "/ingest"):
			return validateIngest(c, cfg)
		}
		return c.Next()
	}
}

func validateQuery(c *fiber.Ctx, cfg Config) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON format")
	}

	query, ok := req["query"].(string)
	if _, present := req["query"]; present && !ok {
		return fail(c, fiber.StatusBadRequest, "Query must be a string")
	}
	if len(query) > cfg.MaxQueryLength {
		return fail(c, fiber.StatusBadRequest, "Query exceeds maximum length")
	}
	if containsXSS(query) {
		cfg.Logger.Warn("Potential XSS attempt",
			zap.String("ip", c.IP()),
			zap.String("query", query),
		)
		return fail(c, fiber.StatusBadRequest, "Invalid query content")
	}

	if msg := checkSymbols(req["symbols"]); msg != "" {
		return fail(c, fiber.StatusBadRequest, msg)
	}

	req["query"] = sanitizeString(query)
	c.Locals("sanitized_body", req)
	return c.Next()
}

func validateIngest(c *fiber.Ctx, cfg Config) error {
	var req struct {
		Documents []map[string]interface{} `json:"documents"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON format")
	}

	if len(req.Documents) == 0 {
		return fail(c, fiber.StatusBadRequest, "At least one document is required")
	}
	if len(req.Documents) > cfg.MaxBatchSize {
		return fail(c, fiber.StatusRequestEntityTooLarge, "Too many documents in one batch")
	}

	for _, doc := range req.Documents {
		if urlStr, ok := doc["url"].(string); ok && urlStr != "" && !isValidURL(urlStr) {
			return fail(c, fiber.StatusBadRequest, "Invalid URL format")
		}

		body, _ := doc["body"].(string)
		html, _ := doc["html"].(string)
		if body == "" && html == "" {
			return fail(c, fiber.StatusBadRequest, "Each document needs a body or html")
		}
		if len(body) > cfg.MaxDocumentSize || len(html) > cfg.MaxDocumentSize {
			return fail(c, fiber.StatusRequestEntityTooLarge, "Document content exceeds maximum size")
		}

		if msg := checkSymbols(doc["symbols"]); msg != "" {
			return fail(c, fiber.StatusBadRequest, msg)
		}
	}
	return c.Next()
}

func validateTrigger(c *fiber.Ctx) error {
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid JSON format")
	}

	symbols, _ := req["symbols"].([]interface{})
	if len(symbols) == 0 {
		return fail(c, fiber.StatusBadRequest, "At least one symbol is required")
	}
	if msg := checkSymbols(req["symbols"]); msg != "" {
		return fail(c, fiber.StatusBadRequest, msg)
	}
	return c.Next()
}

func checkSymbols(raw interface{}) string {
	if raw == nil {
		return ""
	}
	list, ok := raw.([]interface{})
	if !ok {
		return "Symbols must be a list of strings"
	}
	for _, item := range list {
		s, ok := item.(string)
		if !ok || !symbolPattern.MatchString(s) {
			return "Invalid symbol"
		}
	}
	return ""
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func allowedType(contentType string, allowed []string) bool {
	for _, t := range allowed {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return input
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return u.Host != ""
}
