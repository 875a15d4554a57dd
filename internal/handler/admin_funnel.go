package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/service"
)

// AdminFunnelHandler serves the operator endpoints.  Routes run behind
// JWTAuth and RequireRole(ADMIN).
type AdminFunnelHandler struct {
	Rooms       *service.RoomManager
	Advancement *service.AdvancementEngine
}

func NewAdminFunnelHandler(rooms *service.RoomManager, adv *service.AdvancementEngine) *AdminFunnelHandler {
	return &AdminFunnelHandler{Rooms: rooms, Advancement: adv}
}

// Economics handles GET /funnel/economics.  With ?config= the given
// JSON document is evaluated instead of the running configuration, so
// a candidate funnel can be checked before it is deployed.
func (h *AdminFunnelHandler) Economics(c echo.Context) error {
	cfg := h.Rooms.Config()
	if raw := strings.TrimSpace(c.QueryParam("config")); raw != "" {
		parsed, err := service.ParseFunnelConfig([]byte(raw))
		if err != nil {
			return c.JSON(http.StatusBadRequest, service.EconomicsResult{Valid: false, Errors: []string{err.Error()}})
		}
		cfg = parsed
	}
	return c.JSON(http.StatusOK, service.ComputeEconomics(cfg))
}

// Audit handles GET /admin/funnel/audit.  Violations are reported, not
// repaired.
func (h *AdminFunnelHandler) Audit(c echo.Context) error {
	v, err := h.Rooms.AuditCapacity(c.Request().Context())
	if err != nil && !errors.Is(err, service.ErrInvariantViolation) {
		return writeError(c, err)
	}
	if v == nil {
		v = []service.CapacityViolation{}
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": len(v) == 0, "violations": v})
}

type closeRoomReq struct {
	Ranks map[string]int `json:"ranks"`
}

// CloseRoom handles POST /admin/funnel/rooms/:slug/ranking.  It records
// the final order of a live room and closes it.
func (h *AdminFunnelHandler) CloseRoom(c echo.Context) error {
	var req closeRoomReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	room, err := h.Rooms.CloseRoom(c.Request().Context(), c.Param("slug"), req.Ranks)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"roomSlug": room.Slug, "status": room.Status, "closedAt": room.ClosedAt})
}

// Advance handles POST /admin/funnel/rooms/:slug/advance.  It reruns
// advancement for a closed room; a processed room reports its outcome.
func (h *AdminFunnelHandler) Advance(c echo.Context) error {
	res, err := h.Advancement.ProcessClosure(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
