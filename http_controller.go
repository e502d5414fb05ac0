package auth

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

// RegisterRoutes mounts the session, context and internal endpoints
func RegisterRoutes[T any](app router.Router[T], opts ...ControllerOption) *Controller {
	c := NewController(opts...)
	bearer := c.Guard.ProtectedRoute()

	app.Post(c.Routes.Login, c.Login, c.Guard.Throttle("login")).SetName("auth.login")
	app.Post(c.Routes.Register, c.Register, c.Guard.Throttle("register")).SetName("auth.register")
	app.Post(c.Routes.Refresh, c.Refresh).SetName("auth.refresh")
	app.Post(c.Routes.Logout, c.Logout, bearer).SetName("auth.logout")
	app.Post(c.Routes.ChangePassword, c.ChangePassword, bearer).SetName("auth.change-password")
	app.Post(c.Routes.ForgotPassword, c.ForgotPassword, c.Guard.Throttle("forgot_password")).SetName("auth.forgot-password")
	app.Post(c.Routes.ResetPassword, c.ResetPassword, c.Guard.Throttle("reset_password")).SetName("auth.reset-password")

	app.Get(c.Routes.AvailableContexts, c.AvailableContexts, bearer).SetName("context.available")
	app.Post(c.Routes.SwitchContext, c.SwitchContext, bearer).SetName("context.switch")
	app.Get(c.Routes.ValidateContext, c.ValidateContext, bearer).SetName("context.validate")

	internal := c.Guard.InternalRoute()
	app.Post(c.Routes.UserRoles, c.GrantRole, internal).SetName("internal.roles.grant")
	app.Delete(c.Routes.UserRoles+"/:role_id", c.RevokeRole, internal).SetName("internal.roles.revoke")
	app.Get(c.Routes.Roles, c.ListRoles, internal).SetName("internal.roles.list")
	app.Post(c.Routes.Roles, c.CreateRole, internal).SetName("internal.roles.create")
	app.Put(c.Routes.Roles+"/:role_id", c.UpdateRole, internal).SetName("internal.roles.update")
	app.Delete(c.Routes.Roles+"/:role_id", c.DeleteRole, internal).SetName("internal.roles.delete")

	return c
}

type ControllerRoutes struct {
	Login             string
	Register          string
	Refresh           string
	Logout            string
	ChangePassword    string
	ForgotPassword    string
	ResetPassword     string
	AvailableContexts string
	SwitchContext     string
	ValidateContext   string
	UserRoles         string
	Roles             string
}

// DefaultControllerRoutes returns the documented paths
func DefaultControllerRoutes() *ControllerRoutes {
	return &ControllerRoutes{
		Login:             "/auth/login",
		Register:          "/auth/register",
		Refresh:           "/auth/refresh",
		Logout:            "/auth/logout",
		ChangePassword:    "/auth/change-password",
		ForgotPassword:    "/auth/forgot-password",
		ResetPassword:     "/auth/reset-password",
		AvailableContexts: "/context/available",
		SwitchContext:     "/context/switch",
		ValidateContext:   "/context/validate",
		UserRoles:         "/internal/users/:id/roles",
		Roles:             "/internal/roles",
	}
}

type Controller struct {
	Debug    bool
	Logger   Logger
	Sessions *SessionManager
	Contexts *ContextManager
	Guard    *RouteGuard
	Routes   *ControllerRoutes
}

type ControllerOption func(*Controller) *Controller

func WithSessionManager(s *SessionManager) ControllerOption {
	return func(c *Controller) *Controller {
		c.Sessions = s
		return c
	}
}

func WithContextManager(m *ContextManager) ControllerOption {
	return func(c *Controller) *Controller {
		c.Contexts = m
		return c
	}
}

func WithRouteGuard(g *RouteGuard) ControllerOption {
	return func(c *Controller) *Controller {
		c.Guard = g
		return c
	}
}

func WithControllerLogger(l Logger) ControllerOption {
	return func(c *Controller) *Controller {
		if l != nil {
			c.Logger = l
		}
		return c
	}
}

func WithControllerRoutes(r *ControllerRoutes) ControllerOption {
	return func(c *Controller) *Controller {
		if r != nil {
			c.Routes = r
		}
		return c
	}
}

// WithDebug logs every bound request
func WithDebug(debug bool) ControllerOption {
	return func(c *Controller) *Controller {
		c.Debug = debug
		return c
	}
}

func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		Logger: defLogger{},
		Routes: DefaultControllerRoutes(),
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Sessions == nil {
		panic("Missing SessionManager in auth controller...")
	}

	if c.Contexts == nil {
		panic("Missing ContextManager in auth controller...")
	}

	if c.Guard == nil {
		panic("Missing RouteGuard in auth controller...")
	}

	return c
}

// LoginRequest payload
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// LoginResponse is returned by a successful login
type LoginResponse struct {
	*TokenPair
	User *User `json:"user"`
}

func (a *Controller) Login(ctx router.Context) error {
	payload := new(LoginRequest)
	if err := a.bind(ctx, "login", payload); err != nil {
		return a.fail(ctx, err)
	}

	tokens, user, err := a.Sessions.Login(ctx.Context(), payload.Email, payload.Password, clientInfo(ctx))
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, LoginResponse{TokenPair: tokens, User: user})
}

func (a *Controller) Register(ctx router.Context) error {
	payload := new(RegisterRequest)
	if err := a.bind(ctx, "register", payload); err != nil {
		return a.fail(ctx, err)
	}

	user, err := a.Sessions.Register(ctx.Context(), *payload)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusCreated, user)
}

// RefreshRequest payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Validate will run validation rules
func (r RefreshRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

func (a *Controller) Refresh(ctx router.Context) error {
	payload := new(RefreshRequest)
	if err := a.bind(ctx, "refresh", payload); err != nil {
		return a.fail(ctx, err)
	}

	tokens, err := a.Sessions.Refresh(ctx.Context(), payload.RefreshToken, clientInfo(ctx))
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, tokens)
}

func (a *Controller) Logout(ctx router.Context) error {
	userID, _, err := currentUserID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	if err := a.Sessions.Logout(ctx.Context(), userID, clientInfo(ctx)); err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"message": "logged out"})
}

// ChangePasswordRequest payload
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Validate will run validation rules
func (r ChangePasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CurrentPassword, validation.Required),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(8, 128)),
	)
}

func (a *Controller) ChangePassword(ctx router.Context) error {
	userID, _, err := currentUserID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	payload := new(ChangePasswordRequest)
	if err := a.bind(ctx, "change-password", payload); err != nil {
		return a.fail(ctx, err)
	}

	err = a.Sessions.ChangePassword(ctx.Context(), userID, payload.CurrentPassword, payload.NewPassword, clientInfo(ctx))
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"message": "password changed"})
}

// ForgotPasswordRequest payload
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// Validate will run validation rules
func (r ForgotPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

const forgotPasswordMessage = "if the email is registered, a reset link has been sent"

func (a *Controller) ForgotPassword(ctx router.Context) error {
	payload := new(ForgotPasswordRequest)
	if err := a.bind(ctx, "forgot-password", payload); err != nil {
		return a.fail(ctx, err)
	}

	if err := a.Sessions.ForgotPassword(ctx.Context(), payload.Email); err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"message": forgotPasswordMessage})
}

// ResetPasswordRequest payload
type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// Validate will run validation rules
func (r ResetPasswordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(8, 128)),
	)
}

func (a *Controller) ResetPassword(ctx router.Context) error {
	payload := new(ResetPasswordRequest)
	if err := a.bind(ctx, "reset-password", payload); err != nil {
		return a.fail(ctx, err)
	}

	if err := a.Sessions.ResetPassword(ctx.Context(), payload.Token, payload.NewPassword); err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"message": "password reset"})
}

func (a *Controller) AvailableContexts(ctx router.Context) error {
	userID, _, err := currentUserID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	var conferenceID *string
	if conf := strings.TrimSpace(ctx.Query("conference_id", "")); conf != "" {
		conferenceID = &conf
	}

	contexts, err := a.Contexts.GetAvailableContexts(ctx.Context(), userID, conferenceID)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"contexts": contexts})
}

// SwitchContextRequest payload. An empty conference selects global scope.
type SwitchContextRequest struct {
	ConferenceID string `json:"conference_id"`
	Role         string `json:"role"`
}

// Validate will run validation rules
func (r SwitchContextRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required, validation.Length(1, 50)),
		validation.Field(&r.ConferenceID, validation.Length(0, 100)),
	)
}

// SwitchContextResponse carries the narrowed token pair and its context
type SwitchContextResponse struct {
	*TokenPair
	Context *Context `json:"context"`
}

func (a *Controller) SwitchContext(ctx router.Context) error {
	userID, _, err := currentUserID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	payload := new(SwitchContextRequest)
	if err := a.bind(ctx, "switch-context", payload); err != nil {
		return a.fail(ctx, err)
	}

	tokens, active, err := a.Contexts.SwitchContext(ctx.Context(), userID, payload.ConferenceID, payload.Role, clientInfo(ctx))
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, SwitchContextResponse{TokenPair: tokens, Context: active})
}

func (a *Controller) ValidateContext(ctx router.Context) error {
	userID, _, err := currentUserID(ctx)
	if err != nil {
		return a.fail(ctx, err)
	}

	role := ctx.Query("role", "")
	if strings.TrimSpace(role) == "" {
		return a.fail(ctx, errors.New("role query parameter is required", errors.CategoryValidation).
			WithCode(errors.CodeBadRequest))
	}

	valid, err := a.Contexts.ValidateContext(ctx.Context(), userID, ctx.Query("conference_id", ""), role)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"valid": valid})
}

// GrantRoleRequest payload for the internal role endpoint
type GrantRoleRequest struct {
	RoleID       string     `json:"role_id"`
	ConferenceID *string    `json:"conference_id"`
	TrackID      *string    `json:"track_id"`
	ExpiresAt    *time.Time `json:"expires_at"`
	ActorID      string     `json:"actor_id"`
}

// Validate will run validation rules
func (r GrantRoleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RoleID, validation.Required, is.UUID),
		validation.Field(&r.ActorID, is.UUID),
	)
}

func (a *Controller) GrantRole(ctx router.Context) error {
	userID, err := uuidParam(ctx, "id")
	if err != nil {
		return a.fail(ctx, err)
	}

	payload := new(GrantRoleRequest)
	if err := a.bind(ctx, "grant-role", payload); err != nil {
		return a.fail(ctx, err)
	}

	req := SetRoleRequest{
		UserID:       userID,
		RoleID:       uuid.MustParse(payload.RoleID),
		ConferenceID: payload.ConferenceID,
		TrackID:      payload.TrackID,
		ExpiresAt:    payload.ExpiresAt,
	}
	if payload.ActorID != "" {
		actor := uuid.MustParse(payload.ActorID)
		req.ActorID = &actor
	}

	assignment, err := a.Contexts.SetRole(ctx.Context(), req)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, assignment)
}

func (a *Controller) RevokeRole(ctx router.Context) error {
	userID, err := uuidParam(ctx, "id")
	if err != nil {
		return a.fail(ctx, err)
	}
	roleID, err := uuidParam(ctx, "role_id")
	if err != nil {
		return a.fail(ctx, err)
	}

	req := RemoveRoleRequest{
		UserID:       userID,
		RoleID:       roleID,
		Mode:         RemoveRoleMode(ctx.Query("mode", "")),
		ConferenceID: ptrOrNil(ctx.Query("conference_id", "")),
		TrackID:      ptrOrNil(ctx.Query("track_id", "")),
	}

	removed, err := a.Contexts.RemoveRole(ctx.Context(), req)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"removed": removed})
}

func (a *Controller) ListRoles(ctx router.Context) error {
	roles, err := a.Contexts.ListRoles(ctx.Context())
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"roles": roles})
}

func (a *Controller) CreateRole(ctx router.Context) error {
	payload := new(CreateRoleRequest)
	if err := a.bind(ctx, "create-role", payload); err != nil {
		return a.fail(ctx, err)
	}

	role, err := a.Contexts.CreateRole(ctx.Context(), *payload)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusCreated, role)
}

func (a *Controller) UpdateRole(ctx router.Context) error {
	roleID, err := uuidParam(ctx, "role_id")
	if err != nil {
		return a.fail(ctx, err)
	}

	payload := new(UpdateRoleRequest)
	if err := a.bind(ctx, "update-role", payload); err != nil {
		return a.fail(ctx, err)
	}
	payload.RoleID = roleID

	role, err := a.Contexts.UpdateRole(ctx.Context(), *payload)
	if err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, role)
}

func (a *Controller) DeleteRole(ctx router.Context) error {
	roleID, err := uuidParam(ctx, "role_id")
	if err != nil {
		return a.fail(ctx, err)
	}

	var actorID *uuid.UUID
	if raw := strings.TrimSpace(ctx.Query("actor_id", "")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return a.fail(ctx, errors.New("invalid actor_id parameter", errors.CategoryBadInput).
				WithCode(errors.CodeBadRequest))
		}
		actorID = &id
	}

	if err := a.Contexts.DeleteRole(ctx.Context(), roleID, actorID); err != nil {
		return a.fail(ctx, err)
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{"deleted": roleID.String()})
}

type validatable interface {
	Validate() error
}

func (a *Controller) bind(ctx router.Context, name string, payload validatable) error {
	if err := ctx.Bind(payload); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "invalid request body").
			WithCode(errors.CodeBadRequest)
	}

	if a.Debug {
		a.Logger.Debug("request received", "route", name, "path", ctx.Path(),
			"payload", print.MaybeSecureJSON(payload))
	}

	if err := payload.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, err.Error()).
			WithCode(errors.CodeBadRequest)
	}
	return nil
}

func (a *Controller) fail(ctx router.Context, err error) error {
	return writeError(ctx, a.Logger, err)
}

func uuidParam(ctx router.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Param(name))
	if err != nil {
		return uuid.Nil, errors.New("invalid "+name+" parameter", errors.CategoryBadInput).
			WithCode(errors.CodeBadRequest).
			WithMetadata(map[string]any{name: ctx.Param(name)})
	}
	return id, nil
}
