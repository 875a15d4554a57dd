package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestConsumer_HandleRoomClosed(t *testing.T) {
	t.Parallel()

	var got string
	c := &Consumer{OnRoomClosed: func(_ context.Context, slug string) error {
		got = slug
		return nil
	}}
	body, _ := json.Marshal(RoomClosedEvent{RoomSlug: "stage-1-abc", Stage: 1, EntrantsCount: 25})
	if err := c.HandleRoomClosed(context.Background(), body); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != "stage-1-abc" {
		t.Fatalf("expected handler called with the slug, got %q", got)
	}

	if err := c.HandleRoomClosed(context.Background(), []byte(`{}`)); err == nil {
		t.Fatalf("expected error for event without slug")
	}

	boom := errors.New("boom")
	c.OnRoomClosed = func(context.Context, string) error { return boom }
	if err := c.HandleRoomClosed(context.Background(), body); !errors.Is(err, boom) {
		t.Fatalf("expected handler error returned, got %v", err)
	}
}

func TestConsumer_HandlePayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := &Consumer{LogDir: dir}
	body, _ := json.Marshal(PayoutCreatedEvent{
		PayoutID: "po-1", RoomSlug: "stage-5-xyz", UserID: "alice", Rank: 1,
		TierIndex: 0, Amount: decimal.RequireFromString("1000"), CreatedAt: "2025-03-01T12:00:00Z",
	})
	for i := 0; i < 2; i++ {
		if err := c.HandlePayout(context.Background(), body); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	raw, err := os.ReadFile(filepath.Join(dir, "payouts.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "user_id=alice") || !strings.Contains(lines[0], "amount=1000 Pi") {
		t.Fatalf("unexpected line %q", lines[0])
	}
	if err := c.HandlePayout(context.Background(), []byte("not json")); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}
