package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gradesync-api/internal/config"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Node        string    `json:"node"`
	Sessions    int       `json:"sessions"`
	Students    int       `json:"students"`
	Grades      int       `json:"grades"`
}

// HealthCheck returns a handler that reports application health information.
func HealthCheck(cfg config.Config, hub *realtime.Hub, records service.RecordService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Node:        hub.NodeID(),
			Sessions:    hub.SessionCount(),
		}

		snapshot, err := records.Snapshot(c.UserContext())
		if err != nil {
			payload.Status = "degraded"
			return c.Status(fiber.StatusServiceUnavailable).JSON(utils.APIResponse{
				Success: false,
				Data:    payload,
				Message: "record store unavailable",
			})
		}
		payload.Students = len(snapshot.Students)
		payload.Grades = len(snapshot.Grades)

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
