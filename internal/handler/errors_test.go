package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pi-funnel/internal/service"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{service.ErrStageRequiresTicket, http.StatusBadRequest},
		{fmt.Errorf("%w: fee", service.ErrInvalidConfig), http.StatusBadRequest},
		{&service.RoomFullError{Slug: "a", Stage: 1}, http.StatusConflict},
		{service.ErrDuplicateEntry, http.StatusConflict},
		{service.ErrPaymentNotApproved, http.StatusPaymentRequired},
		{service.ErrTicketExpired, http.StatusGone},
		{service.ErrTicketNotFound, http.StatusNotFound},
		{service.ErrTicketAlreadyUsed, http.StatusConflict},
		{service.ErrRoomNotFound, http.StatusNotFound},
		{service.ErrRoomNotClosed, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	write := func(err error) (int, errorBody) {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodPost, "/funnel/join", nil), rec)
		if werr := writeError(c, err); werr != nil {
			t.Fatalf("write: %v", werr)
		}
		var body errorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return rec.Code, body
	}

	code, body := write(&service.RoomFullError{Slug: "a", Stage: 1, FallbackSlug: "b"})
	if code != http.StatusConflict || body.Error != "room_full" || body.FallbackRoomSlug != "b" {
		t.Fatalf("unexpected room full answer %d %+v", code, body)
	}

	code, body = write(errors.New("dsn password=hunter2"))
	if code != http.StatusInternalServerError || body.Message != "" || body.Error != "internal_error" {
		t.Fatalf("expected a bare internal error, got %d %+v", code, body)
	}
}

func TestRejectable(t *testing.T) {
	t.Parallel()

	for _, err := range []error{service.ErrRoomFull, service.ErrPaymentVoided, service.ErrTicketExpired, service.ErrDuplicateEntry} {
		if !rejectable(err) {
			t.Fatalf("expected %v to be a rejection", err)
		}
	}
	for _, err := range []error{service.ErrInvalidRequest, service.ErrPaymentNotFound, service.ErrRoomNotClosed, errors.New("x")} {
		if rejectable(err) {
			t.Fatalf("expected %v to be an error answer", err)
		}
	}
}
