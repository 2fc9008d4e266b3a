package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/gradeflow/gradeflow-api/internal/config"
	"github.com/gradeflow/gradeflow-api/internal/utils"
)

// HealthResponse reports service liveness plus the readiness of the grading
// pipeline's dependencies: the run store and the two external credentials.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Checks      map[string]string `json:"checks"`
}

// HealthCheck returns a handler that reports liveness and dependency
// readiness. The db may be nil when the API runs without persistence.
func HealthCheck(cfg config.Config, db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		checks := map[string]string{
			"run_store":  checkRunStore(db),
			"extraction": checkCredential(cfg.ExtractionAPIKey),
			"grading":    checkCredential(cfg.GradingAPIKey()),
		}

		status := "ok"
		for _, state := range checks {
			// A deliberately disabled store is not a degradation.
			if state != "ok" && state != "disabled" {
				status = "degraded"
				break
			}
		}

		payload := HealthResponse{
			Status:      status,
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Checks:      checks,
		}

		if status != "ok" {
			return utils.SendSuccessWithStatus(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}

func checkRunStore(db *gorm.DB) string {
	if db == nil {
		return "disabled"
	}
	sqlDB, err := db.DB()
	if err != nil {
		return "unavailable"
	}
	if err := sqlDB.Ping(); err != nil {
		return "unavailable"
	}
	return "ok"
}

func checkCredential(key string) string {
	if key == "" {
		return "missing credential"
	}
	return "ok"
}
