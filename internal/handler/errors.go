package handler

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/service"
)

// statusOf maps a service error to its HTTP status.
func statusOf(err error) int {
	switch service.KindOf(err) {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindCapacity, service.KindDuplicate, service.KindState:
		return http.StatusConflict
	case service.KindPayment:
		return http.StatusPaymentRequired
	case service.KindTicket:
		switch service.Reason(err) {
		case "ticket_expired":
			return http.StatusGone
		case "ticket_not_found":
			return http.StatusNotFound
		}
		return http.StatusConflict
	case service.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error            string `json:"error"`
	Message          string `json:"message,omitempty"`
	FallbackRoomSlug string `json:"fallbackRoomSlug,omitempty"`
}

// writeError answers with the mapped status.  Internal errors are logged
// and their text is not sent to the client.
func writeError(c echo.Context, err error) error {
	status := statusOf(err)
	body := errorBody{Error: service.Reason(err), FallbackRoomSlug: service.FallbackOf(err)}
	if status == http.StatusInternalServerError {
		log.Printf("handler: %s %s: %v", c.Request().Method, c.Path(), err)
	} else {
		body.Message = err.Error()
	}
	return c.JSON(status, body)
}

// rejectable reports whether confirm/redeem answer err as a 200
// "rejected" outcome rather than an HTTP error.
func rejectable(err error) bool {
	switch service.KindOf(err) {
	case service.KindCapacity, service.KindPayment, service.KindTicket, service.KindDuplicate:
		return true
	}
	return false
}
