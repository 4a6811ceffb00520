package handlers

import (
	"errors"
	"fmt"
	"log"
	"time"

	"akun/internal/errs"
	"akun/internal/models"
	"akun/internal/services"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// birthDateLayout is the wire format for the birth date field.
const birthDateLayout = "2006-01-02"

// AuthHandler handles HTTP requests for the account lifecycle.
type AuthHandler struct {
	authService *services.AuthService
	validate    *validator.Validate
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validate:    validator.New(),
	}
}

// RegisterRoutes registers the public account routes with the Fiber app.
func (h *AuthHandler) RegisterRoutes(router fiber.Router) {
	authRoutes := router.Group("/auth")
	authRoutes.Post("/register", h.HandleRegister)
	authRoutes.Post("/login", h.HandleLogin)
	authRoutes.Get("/confirm-email", h.HandleConfirmEmail)
	authRoutes.Post("/resend-confirmation", h.HandleResendConfirmation)
	authRoutes.Post("/forgot-password", h.HandleForgotPassword)
	authRoutes.Post("/reset-password", h.HandleResetPassword)
}

// RegisterProtectedRoutes registers the routes that require a session.
func (h *AuthHandler) RegisterProtectedRoutes(router fiber.Router) {
	accountRoutes := router.Group("/account")
	accountRoutes.Get("/me", h.HandleMe)
	accountRoutes.Post("/change-password", h.HandleChangePassword)
}

// RegisterRequest represents the request body for registration.
type RegisterRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=100"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	BirthDate string `json:"birth_date" validate:"required"`
	Country   string `json:"country" validate:"required"`
}

// HandleRegister handles new user registration. The account is created
// unconfirmed; a confirmation link is mailed out-of-band.
func (h *AuthHandler) HandleRegister(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		log.Printf("Error parsing register request body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if handled, resp := h.validateStruct(c, req); handled {
		return resp
	}

	birthDate, err := time.Parse(birthDateLayout, req.BirthDate)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Validation failed",
			"errors":  fiber.Map{"birth_date": "must be formatted as " + birthDateLayout},
		})
	}

	user, err := h.authService.Register(services.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Profile: models.Profile{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			BirthDate: birthDate,
			Country:   req.Country,
		},
	})
	if err != nil && !errors.Is(err, errs.ErrMailDelivery) {
		log.Printf("Error registering user: %v", err)
		return h.errorResponse(c, err, "Registration failed")
	}

	resp := fiber.Map{
		"message": "User registered successfully; check your email for a confirmation link",
		"user":    user,
	}
	if errors.Is(err, errs.ErrMailDelivery) {
		// The account exists; only the mail bounced. Surface as a
		// warning instead of failing the whole registration.
		resp["warning"] = "confirmation email could not be delivered"
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// LoginRequest represents the request body for login.
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email" validate:"required"`
	Password        string `json:"password" validate:"required"`
}

// HandleLogin handles user login and issues a session token.
func (h *AuthHandler) HandleLogin(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		log.Printf("Error parsing login request body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if handled, resp := h.validateStruct(c, req); handled {
		return resp
	}

	token, user, err := h.authService.Login(req.UsernameOrEmail, req.Password)
	if err != nil {
		log.Printf("Login rejected for %s: %v", req.UsernameOrEmail, err)
		return h.errorResponse(c, err, "Authentication failed")
	}

	return c.JSON(fiber.Map{
		"message": "Login successful",
		"token":   token,
		"user":    user,
	})
}

// HandleConfirmEmail consumes the confirmation link produced at
// registration: GET /auth/confirm-email?user_id=...&token=...
func (h *AuthHandler) HandleConfirmEmail(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	token := c.Query("token")
	if userID == "" || token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "user_id and token query parameters are required",
		})
	}

	if err := h.authService.ConfirmEmail(userID, token); err != nil {
		log.Printf("Email confirmation failed for user %s: %v", userID, err)
		return h.errorResponse(c, err, "Email confirmation failed")
	}

	return c.JSON(fiber.Map{
		"message": "Email confirmed successfully",
	})
}

// EmailRequest represents a body carrying only an email address.
type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// HandleResendConfirmation re-sends a confirmation link. The response is
// identical whether or not the address is registered.
func (h *AuthHandler) HandleResendConfirmation(c *fiber.Ctx) error {
	var req EmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if handled, resp := h.validateStruct(c, req); handled {
		return resp
	}

	if err := h.authService.SendConfirmation(req.Email); err != nil {
		log.Printf("Resend confirmation failed: %v", err)
		return h.errorResponse(c, err, "Could not send confirmation email")
	}
	return c.JSON(fiber.Map{
		"message": "If the address is registered, a confirmation email has been sent",
	})
}

// HandleForgotPassword mails a password-reset link. The response is
// identical whether or not the address is registered.
func (h *AuthHandler) HandleForgotPassword(c *fiber.Ctx) error {
	var req EmailRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if handled, resp := h.validateStruct(c, req); handled {
		return resp
	}

	if err := h.authService.RequestPasswordReset(req.Email); err != nil {
		log.Printf("Password reset request failed: %v", err)
		return h.errorResponse(c, err, "Could not send reset email")
	}
	return c.JSON(fiber.Map{
		"message": "If the address is registered, a reset email has been sent",
	})
}

// ResetPasswordRequest represents the request body for a password reset.
type ResetPasswordRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// HandleResetPassword completes the reset flow started by
// HandleForgotPassword.
func (h *AuthHandler) HandleResetPassword(c *fiber.Ctx) error {
	var req ResetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if handled, resp := h.validateStruct(c, req); handled {
		return resp
	}

	if err := h.authService.ResetPassword(req.UserID, req.Token, req.NewPassword); err != nil {
		log.Printf("Password reset failed for user %s: %v", req.UserID, err)
		return h.errorResponse(c, err, "Password reset failed")
	}
	return c.JSON(fiber.Map{
		"message": "Password reset successfully",
	})
}

// ChangePasswordRequest represents the request body for a password
// change by an authenticated user.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

// HandleChangePassword changes the password of the authenticated user.
// Existing sessions (including the current one) are invalidated by the
// security-stamp rotation.
func (h *AuthHandler) HandleChangePassword(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	var req ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if handled, resp := h.validateStruct(c, req); handled {
		return resp
	}

	if err := h.authService.ChangePassword(userID, req.CurrentPassword, req.NewPassword); err != nil {
		log.Printf("Password change failed for user %s: %v", userID, err)
		return h.errorResponse(c, err, "Password change failed")
	}
	return c.JSON(fiber.Map{
		"message": "Password changed successfully; please log in again",
	})
}

// HandleMe returns the authenticated user's profile.
func (h *AuthHandler) HandleMe(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	user, err := h.authService.GetUser(userID)
	if err != nil {
		return h.errorResponse(c, err, "Could not load user")
	}
	return c.JSON(fiber.Map{
		"user": user,
	})
}

// validateStruct runs the validator over a request DTO. On failure it
// writes the field error map and reports handled=true so the caller can
// bail out.
func (h *AuthHandler) validateStruct(c *fiber.Ctx, req interface{}) (handled bool, resp error) {
	if err := h.validate.Struct(req); err != nil {
		validationErrors := err.(validator.ValidationErrors)
		errorMessages := make(map[string]string)
		for _, e := range validationErrors {
			errorMessages[e.Field()] = fmt.Sprintf("Field '%s' failed on the '%s' tag", e.Field(), e.Tag())
		}
		return true, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Validation failed",
			"errors":  errorMessages,
		})
	}
	return false, nil
}

// errorResponse maps sentinel errors onto HTTP status codes. User-facing
// messages never distinguish unknown user from wrong password.
func (h *AuthHandler) errorResponse(c *fiber.Ctx, err error, message string) error {
	status := fiber.StatusInternalServerError
	detail := "internal error"

	switch {
	case errors.Is(err, errs.ErrValidation):
		status, detail = fiber.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrDuplicate):
		status, detail = fiber.StatusConflict, err.Error()
	case errors.Is(err, errs.ErrInvalidCredentials):
		status, detail = fiber.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, errs.ErrNotConfirmed):
		status, detail = fiber.StatusForbidden, "email not confirmed"
	case errors.Is(err, errs.ErrLockedOut):
		status, detail = fiber.StatusLocked, "account temporarily locked"
	case errors.Is(err, errs.ErrExpiredToken):
		status, detail = fiber.StatusGone, "token expired"
	case errors.Is(err, errs.ErrTokenUsed):
		status, detail = fiber.StatusConflict, "token already used"
	case errors.Is(err, errs.ErrInvalidToken):
		status, detail = fiber.StatusBadRequest, "invalid token"
	case errors.Is(err, errs.ErrConflict):
		status, detail = fiber.StatusConflict, "concurrent update, please retry"
	case errors.Is(err, errs.ErrMailDelivery):
		status, detail = fiber.StatusBadGateway, "mail delivery failed"
	case errors.Is(err, errs.ErrNotFound):
		status, detail = fiber.StatusNotFound, "not found"
	}

	return c.Status(status).JSON(fiber.Map{
		"message": message,
		"error":   detail,
	})
}
