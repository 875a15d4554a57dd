// Package provider holds the HTTP clients of the external collaborators:
// the Pi payments API and the game scoring service.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/pi-funnel/internal/model"
)

// ErrUpstream wraps non-2xx answers of an external API.
var ErrUpstream = errors.New("upstream error")

// PiClient talks to the Pi platform payments API with a server API key.
type PiClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewPiClient(baseURL, apiKey string) *PiClient {
	return &PiClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type piPayment struct {
	Identifier string          `json:"identifier"`
	UserUID    string          `json:"user_uid"`
	Amount     decimal.Decimal `json:"amount"`
	Memo       string          `json:"memo"`
	Status     struct {
		DeveloperApproved    bool `json:"developer_approved"`
		TransactionVerified  bool `json:"transaction_verified"`
		DeveloperCompleted   bool `json:"developer_completed"`
		Cancelled            bool `json:"cancelled"`
		UserCancelled        bool `json:"user_cancelled"`
	} `json:"status"`
	Transaction *struct {
		TxID     string `json:"txid"`
		Verified bool   `json:"verified"`
	} `json:"transaction"`
}

func (p piPayment) toModel() model.ProviderPayment {
	out := model.ProviderPayment{
		ID:                  p.Identifier,
		UserID:              p.UserUID,
		Amount:              p.Amount,
		Memo:                p.Memo,
		DeveloperApproved:   p.Status.DeveloperApproved,
		TransactionVerified: p.Status.TransactionVerified,
		DeveloperCompleted:  p.Status.DeveloperCompleted,
		Cancelled:           p.Status.Cancelled,
		UserCancelled:       p.Status.UserCancelled,
	}
	if p.Transaction != nil {
		out.TxID = p.Transaction.TxID
	}
	return out
}

// GetPayment fetches the provider's view of a payment.
func (c *PiClient) GetPayment(ctx context.Context, id string) (model.ProviderPayment, error) {
	var out piPayment
	if err := c.do(ctx, http.MethodGet, id, "", nil, &out); err != nil {
		return model.ProviderPayment{}, err
	}
	return out.toModel(), nil
}

// Approve tells the provider the server accepts the payment.
func (c *PiClient) Approve(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, id, "approve", nil, nil)
}

// Complete acknowledges the settled blockchain transaction.
func (c *PiClient) Complete(ctx context.Context, id, txID string) error {
	return c.do(ctx, http.MethodPost, id, "complete", map[string]string{"txid": txID}, nil)
}

// Cancel voids a payment the server will not honour.
func (c *PiClient) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, id, "cancel", nil, nil)
}

func (c *PiClient) do(ctx context.Context, method, id, action string, body any, out any) error {
	u := fmt.Sprintf("%s/v2/payments/%s", c.BaseURL, url.PathEscape(id))
	if action != "" {
		u += "/" + action
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Key "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf("pi-api: %s %s returned %d: %s", method, u, resp.StatusCode, string(raw))
		return fmt.Errorf("%w: pi %s %s: status %d", ErrUpstream, action, id, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
