package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/config"
	"github.com/iliyamo/pi-funnel/internal/middleware"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/repository"
	"github.com/iliyamo/pi-funnel/internal/utils"
)

// UserStore is the account storage the auth endpoints need.  Both the
// MySQL UserRepo and the in-memory store implement it.
type UserStore interface {
	Create(ctx context.Context, email, password, role string, cost int) (string, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id string) (model.User, error)
}

// AuthHandler issues the access tokens the funnel routes require.
type AuthHandler struct {
	Cfg   config.Config
	Users UserStore
}

func NewAuthHandler(cfg config.Config, u UserStore) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Users: u}
}

const storeTimeout = 5 * time.Second

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountView struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type accessView struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type sessionResp struct {
	User   accountView `json:"user"`
	Access accessView  `json:"access"`
}

func authError(c echo.Context, status int, code, msg string) error {
	return c.JSON(status, errorBody{Error: code, Message: msg})
}

// bindCredentials reads and normalizes an email/password body.  On failure
// the answer is already written and ok is false.
func bindCredentials(c echo.Context) (req credentials, ok bool, err error) {
	if err := c.Bind(&req); err != nil {
		return req, false, authError(c, http.StatusBadRequest, "invalid_request", "invalid body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return req, false, authError(c, http.StatusBadRequest, "invalid_request", "email and password are required")
	}
	return req, true, nil
}

// session answers with the account and a fresh access token.
func (h *AuthHandler) session(c echo.Context, status int, u accountView) error {
	tok, err := utils.NewAccessToken(h.Cfg.JWTSecret, u.ID, u.Role, h.Cfg.AccessTTLMin)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(status, sessionResp{User: u, Access: accessView{Token: tok.Token, Expires: tok.Exp}})
}

// Register creates a player account.  Admin accounts are only created at
// startup.
func (h *AuthHandler) Register(c echo.Context) error {
	req, ok, err := bindCredentials(c)
	if !ok {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), storeTimeout)
	defer cancel()

	id, err := h.Users.Create(ctx, req.Email, req.Password, model.RolePlayer, h.Cfg.BcryptCost)
	switch {
	case errors.Is(err, repository.ErrEmailExists):
		return authError(c, http.StatusConflict, "email_exists", "email already registered")
	case errors.Is(err, utils.ErrPasswordTooLong):
		return authError(c, http.StatusBadRequest, "invalid_request", "password longer than 72 bytes")
	case err != nil:
		return writeError(c, err)
	}
	return h.session(c, http.StatusCreated, accountView{ID: id, Email: req.Email, Role: model.RolePlayer})
}

// Login checks credentials.  Unknown, disabled and wrong-password accounts
// get the same answer.
func (h *AuthHandler) Login(c echo.Context) error {
	req, ok, err := bindCredentials(c)
	if !ok {
		return err
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), storeTimeout)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return writeError(c, err)
	}
	if err != nil || !u.IsActive || !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return authError(c, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	}
	return h.session(c, http.StatusOK, accountView{ID: u.ID, Email: u.Email, Role: u.Role})
}

func (h *AuthHandler) Me(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), storeTimeout)
	defer cancel()

	u, err := h.Users.GetByID(ctx, middleware.UserID(c))
	if errors.Is(err, repository.ErrNotFound) {
		return authError(c, http.StatusUnauthorized, "unknown_user", "account no longer exists")
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, accountView{ID: u.ID, Email: u.Email, Role: u.Role})
}
