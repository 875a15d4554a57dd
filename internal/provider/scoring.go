package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iliyamo/pi-funnel/internal/service"
)

// ScoringClient asks the game service for the final order of a room.
type ScoringClient struct {
	BaseURL string
	Client  *http.Client
}

func NewScoringClient(baseURL string) *ScoringClient {
	return &ScoringClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type rankingRequest struct {
	UserIDs []string `json:"userIds"`
}

type rankingResponse struct {
	Ranks []struct {
		UserID string `json:"userId"`
		Rank   int    `json:"rank"`
	} `json:"ranks"`
}

// Rank posts the room's entrants and returns their ranks.  202 and 409
// mean the game has not finished and map to service.ErrScoresNotReady.
func (c *ScoringClient) Rank(ctx context.Context, roomSlug string, userIDs []string) (map[string]int, error) {
	u := fmt.Sprintf("%s/rooms/%s/ranking", c.BaseURL, url.PathEscape(roomSlug))
	b, err := json.Marshal(rankingRequest{UserIDs: userIDs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusConflict:
		return nil, service.ErrScoresNotReady
	default:
		log.Printf("scoring: ranking %s returned %d: %s", roomSlug, resp.StatusCode, string(raw))
		return nil, fmt.Errorf("%w: scoring %s: status %d", ErrUpstream, roomSlug, resp.StatusCode)
	}

	var out rankingResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	ranks := make(map[string]int, len(out.Ranks))
	for _, r := range out.Ranks {
		ranks[r.UserID] = r.Rank
	}
	return ranks, nil
}
