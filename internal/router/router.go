package router

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/gradeflow/gradeflow-api/internal/config"
	"github.com/gradeflow/gradeflow-api/internal/handler"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	GradingHandler *handler.GradingHandler
	DB             *gorm.DB
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.DB))

	if deps.GradingHandler != nil {
		grading := api.Group("/grading")
		deps.GradingHandler.Register(grading)
	}
}
