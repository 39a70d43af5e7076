package routes

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/procpulse/auth-api/internal/auth"
	"github.com/procpulse/auth-api/internal/middleware"
	"github.com/procpulse/auth-api/internal/models"
	apperrors "github.com/procpulse/auth-api/pkg/errors"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	service *auth.Service
	logger  *logrus.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(service *auth.Service, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
	}
}

// Register handles user registration. Registration implies login: the
// response carries a fresh token.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req models.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	resp, err := h.service.Register(c.Context(), req, requestMeta(c))
	if err != nil {
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

// Login authenticates a user and returns a bearer token.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req models.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	resp, err := h.service.Login(c.Context(), req, requestMeta(c))
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(resp)
}

// Validate verifies a bearer token and reports the user's current
// state.
func (h *AuthHandler) Validate(c *fiber.Ctx) error {
	var req models.TokenRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.Token == "" {
		return badRequest(c, "Token is required")
	}

	resp, err := h.service.Validate(c.Context(), req.Token)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(resp)
}

// Logout revokes the caller's sessions. Always returns 200: a client
// that asked to be logged out is logged out, whatever happened inside.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	var req models.TokenRequest
	if err := c.BodyParser(&req); err == nil && req.Token != "" {
		h.service.Logout(c.Context(), req.Token, requestMeta(c))
	}

	return c.JSON(fiber.Map{
		"message": "Logged out successfully",
	})
}

// Me returns the authenticated caller's public profile.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return errorResponse(c, apperrors.NewAppError(apperrors.CodeInvalidToken, "Invalid or expired token", nil))
	}

	user, err := h.service.CurrentUser(c.Context(), userID)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(fiber.Map{"user": user})
}

// requestMeta extracts client IP and user agent for session/audit
// records.
func requestMeta(c *fiber.Ctx) auth.RequestMeta {
	return auth.RequestMeta{
		IP:        clientIP(c),
		UserAgent: c.Get("User-Agent"),
	}
}

// clientIP extracts the real client IP, preferring load balancer
// headers.
func clientIP(c *fiber.Ctx) string {
	if xff := c.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if realIP := c.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return c.IP()
}

// errorResponse renders an AppError with its mapped status code.
func errorResponse(c *fiber.Ctx, err error) error {
	appErr := apperrors.AsAppError(err)
	return c.Status(appErr.HTTPStatus()).JSON(appErr.ToErrorResponse(c.Get("X-Request-ID")))
}

func badRequest(c *fiber.Ctx, message string) error {
	return errorResponse(c, apperrors.NewAppError(apperrors.CodeBadRequest, message, nil))
}
