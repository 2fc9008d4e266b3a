package utils

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gradeflow/gradeflow-api/pkg/faults"
)

// APIResponse describes the common structure for API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
	})
}

// SendFault maps a grading fault onto the closest HTTP status and sends it.
func SendFault(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindRubricInvalid, faults.KindNoAnswersFound:
		status = fiber.StatusUnprocessableEntity
	case faults.KindRateLimited:
		status = fiber.StatusTooManyRequests
	case faults.KindExtractionTimeout, faults.KindRunTimeout:
		status = fiber.StatusGatewayTimeout
	case faults.KindExtractionFailed, faults.KindEvaluationParseFailed:
		status = fiber.StatusBadGateway
	}

	return SendError(c, status, err.Error())
}
