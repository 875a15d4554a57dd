package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/middleware"
	"github.com/iliyamo/pi-funnel/internal/model"
	"github.com/iliyamo/pi-funnel/internal/service"
)

// FunnelHandler serves the player endpoints of the funnel.  All routes
// except Stages run behind JWTAuth; the caller is the JWT subject.
type FunnelHandler struct {
	Gateway    *service.EntryGateway
	Rooms      *service.RoomManager
	Reconciler *service.PaymentReconciler
	// OnAdmission runs after a seat was taken, e.g. to drop the cached
	// stage overview.  May be nil.
	OnAdmission func(ctx context.Context)
}

func NewFunnelHandler(g *service.EntryGateway, rooms *service.RoomManager, rec *service.PaymentReconciler) *FunnelHandler {
	if g == nil || rooms == nil || rec == nil {
		panic("nil service passed to NewFunnelHandler")
	}
	return &FunnelHandler{Gateway: g, Rooms: rooms, Reconciler: rec}
}

// ----- DTOs -----

type joinReq struct {
	RoomSlug  *string `json:"roomSlug"`
	UserID    string  `json:"userId"`
	Stage     int     `json:"stage"`
	PaymentID string  `json:"paymentId"`
}

type joinResp struct {
	AssignedRoomSlug string              `json:"assignedRoomSlug"`
	ETASeconds       int64               `json:"etaSeconds"`
	PaymentStatus    model.PaymentStatus `json:"paymentStatus,omitempty"`
}

type confirmReq struct {
	RoomSlug  string `json:"roomSlug"`
	UserID    string `json:"userId"`
	Stage     int    `json:"stage"`
	PaymentID string `json:"paymentId"`
	TxRef     string `json:"txRef"`
}

type redeemReq struct {
	UserID   string `json:"userId"`
	TicketID string `json:"ticketId"`
	RoomSlug string `json:"roomSlug"`
}

type cancelReq struct {
	PaymentID string `json:"paymentId"`
}

type entrantView struct {
	RoomSlug string    `json:"roomSlug"`
	Stage    int       `json:"stage"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

type admissionResp struct {
	Status           service.AdmissionStatus `json:"status"`
	Reason           string                  `json:"reason,omitempty"`
	FallbackRoomSlug string                  `json:"fallbackRoomSlug,omitempty"`
	Entrant          *entrantView            `json:"entrant,omitempty"`
}

type ticketView struct {
	ID               string     `json:"id"`
	Stage            int        `json:"stage"`
	SourceRoomSlug   string     `json:"sourceRoomSlug"`
	IssuedAt         time.Time  `json:"issuedAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	Used             bool       `json:"used"`
	UsedAt           *time.Time `json:"usedAt,omitempty"`
	RedeemedRoomSlug string     `json:"redeemedRoomSlug,omitempty"`
}

// caller resolves the acting user.  A body userId must match the token.
func caller(c echo.Context, bodyUserID string) (string, error) {
	uid := middleware.UserID(c)
	if uid == "" {
		return "", c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	if bodyUserID != "" && bodyUserID != uid {
		return "", c.JSON(http.StatusForbidden, echo.Map{"error": "userId does not match token"})
	}
	return uid, nil
}

// Join handles POST /funnel/join.  It assigns a stage-1 room and, when a
// paymentId is sent, approves the payment against it.
func (h *FunnelHandler) Join(c echo.Context) error {
	var req joinReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	uid, err := caller(c, req.UserID)
	if uid == "" {
		return err
	}
	slug := ""
	if req.RoomSlug != nil {
		slug = strings.TrimSpace(*req.RoomSlug)
	}
	res, err := h.Gateway.Join(c.Request().Context(), service.JoinRequest{
		UserID: uid, RoomSlug: slug, Stage: req.Stage, PaymentID: strings.TrimSpace(req.PaymentID),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, joinResp{
		AssignedRoomSlug: res.AssignedRoomSlug,
		ETASeconds:       res.ETASeconds,
		PaymentStatus:    res.PaymentStatus,
	})
}

// Confirm handles POST /funnel/confirm.  Business rejections answer 200
// with status "rejected" and a reason.
func (h *FunnelHandler) Confirm(c echo.Context) error {
	var req confirmReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	uid, err := caller(c, req.UserID)
	if uid == "" {
		return err
	}
	res, err := h.Gateway.Confirm(c.Request().Context(), service.ConfirmRequest{
		RoomSlug: strings.TrimSpace(req.RoomSlug), UserID: uid, Stage: req.Stage,
		PaymentID: strings.TrimSpace(req.PaymentID), TxRef: strings.TrimSpace(req.TxRef),
	})
	return h.admission(c, res, err)
}

// Redeem handles POST /funnel/redeem.
func (h *FunnelHandler) Redeem(c echo.Context) error {
	var req redeemReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	uid, err := caller(c, req.UserID)
	if uid == "" {
		return err
	}
	res, err := h.Gateway.Redeem(c.Request().Context(), service.RedeemRequest{
		UserID: uid, TicketID: strings.TrimSpace(req.TicketID), RoomSlug: strings.TrimSpace(req.RoomSlug),
	})
	return h.admission(c, res, err)
}

func (h *FunnelHandler) admission(c echo.Context, res service.AdmissionResult, err error) error {
	if err != nil {
		if !rejectable(err) {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, admissionResp{
			Status:           service.Rejected,
			Reason:           service.Reason(err),
			FallbackRoomSlug: service.FallbackOf(err),
		})
	}
	if h.OnAdmission != nil {
		h.OnAdmission(c.Request().Context())
	}
	e := res.Entrant
	return c.JSON(http.StatusOK, admissionResp{
		Status:  res.Status,
		Entrant: &entrantView{RoomSlug: e.RoomSlug, Stage: e.Stage, UserID: e.UserID, JoinedAt: e.JoinedAt},
	})
}

// Cancel handles POST /funnel/cancel, the provider's cancellation of a
// payment the user abandoned.
func (h *FunnelHandler) Cancel(c echo.Context) error {
	var req cancelReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.PaymentID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "paymentId required"})
	}
	uid, err := caller(c, "")
	if uid == "" {
		return err
	}
	ctx := c.Request().Context()
	p, err := h.Reconciler.Payment(ctx, strings.TrimSpace(req.PaymentID))
	if err != nil {
		return writeError(c, err)
	}
	if p.UserID != uid {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "payment_not_found"})
	}
	p, err = h.Reconciler.Cancel(ctx, p.ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"paymentId": p.ID, "status": p.Status})
}

// Tickets handles GET /funnel/tickets?all=true.  Without all only unused
// tickets are listed.
func (h *FunnelHandler) Tickets(c echo.Context) error {
	uid, err := caller(c, "")
	if uid == "" {
		return err
	}
	all, _ := strconv.ParseBool(c.QueryParam("all"))
	tickets, err := h.Gateway.Tickets(c.Request().Context(), uid, all)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]ticketView, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, ticketView{
			ID: t.ID, Stage: t.Stage, SourceRoomSlug: t.SourceRoomSlug, IssuedAt: t.IssuedAt,
			ExpiresAt: t.ExpiresAt, Used: t.Used, UsedAt: t.UsedAt, RedeemedRoomSlug: t.RedeemedRoomSlug,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"tickets": out})
}

// Stages handles GET /funnel/stages, the public overview.
func (h *FunnelHandler) Stages(c echo.Context) error {
	view, err := h.Rooms.Stages(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}
