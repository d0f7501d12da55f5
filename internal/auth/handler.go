package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"filtered-relation/internal/engine"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/store"
)

// Handler handles authentication endpoints.
type Handler struct {
	store     *store.Store
	jwtSecret string
}

func NewHandler(s *store.Store, jwtSecret string) *Handler {
	return &Handler{store: s, jwtSecret: jwtSecret}
}

// RegisterRoutes mounts POST /auth/login on the api group. It must be mounted
// before the auth middleware.
func RegisterRoutes(api fiber.Router, h *Handler) {
	api.Post("/auth/login", h.Login)
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return engine.UnauthorizedError("Email and password are required")
	}

	user, err := h.findUserByEmail(c.Context(), body.Email)
	if err != nil {
		log.WithField("email", body.Email).Debug("login for unknown user")
		return engine.UnauthorizedError("Invalid email or password")
	}
	if !isActive(user["active"]) {
		return engine.UnauthorizedError("Account is disabled")
	}
	hash, _ := user["password_hash"].(string)
	if !CheckPassword(body.Password, hash) {
		return engine.UnauthorizedError("Invalid email or password")
	}

	roles, err := h.store.Dialect.ScanArray(user["roles"])
	if err != nil {
		return fmt.Errorf("read roles: %w", err)
	}
	uc := &metadata.UserContext{ID: fmt.Sprint(user["id"]), Email: body.Email, Roles: roles}
	token, err := IssueToken(uc, h.jwtSecret, time.Now())
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"user": uc.ID, "operator": uc.CanMove()}).Info("user logged in")
	return c.JSON(fiber.Map{"data": fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(AccessTokenTTL.Seconds()),
		"can_move":     uc.CanMove(),
	}})
}

// Me handles GET /api/auth/me.
func (h *Handler) Me(c *fiber.Ctx) error {
	user := engine.GetUser(c)
	if user == nil {
		return engine.UnauthorizedError("Missing auth token")
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"id":       user.ID,
		"email":    user.Email,
		"roles":    user.Roles,
		"can_move": user.CanMove(),
	}})
}

func (h *Handler) findUserByEmail(ctx context.Context, email string) (map[string]any, error) {
	return store.QueryRow(ctx, h.store.DB,
		fmt.Sprintf("SELECT id, email, password_hash, roles, active FROM _users WHERE email = %s", h.store.Dialect.Placeholder(1)),
		email)
}

// isActive accepts postgres booleans and sqlite integers.
func isActive(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case nil:
		return true
	}
	return false
}
