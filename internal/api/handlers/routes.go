package handlers

import "github.com/gofiber/fiber/v2"

// Register mounts the retrieval API on router, normally the /api/v1 group.
func Register(router fiber.Router, q *QueryHandler, i *IngestHandler, s *StatusHandler) {
	router.Post("/query", q.HandleQuery)
	router.Get("/queries/history", q.GetQueryHistory)
	router.Get("/trending", q.GetTrending)

	router.Post("/ingest", i.Ingest)
	router.Post("/ingest/trigger", i.Trigger)

	router.Get("/status", s.GetStatus)
	router.Get("/health", s.Health)
	router.Get("/ready", s.Ready)
}
