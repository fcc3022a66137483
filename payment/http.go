package payment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPProvider talks to the wallet service over its service-token API.
type HTTPProvider struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPProvider(baseURL, token string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

type transferBody struct {
	PlayerID  string `json:"player_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type failureBody struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

func (p *HTTPProvider) Charge(ctx context.Context, req Request) (Receipt, error) {
	return p.post(ctx, "charge", "/api/v1/payments/charge", req)
}

func (p *HTTPProvider) Settle(ctx context.Context, req Request) (Receipt, error) {
	return p.post(ctx, "settle", "/api/v1/payments/payout", req)
}

func (p *HTTPProvider) post(ctx context.Context, op, path string, req Request) (Receipt, error) {
	payload, err := json.Marshal(transferBody{
		PlayerID:  req.PlayerID,
		Amount:    req.Amount.String(),
		Currency:  req.Currency,
		Reference: req.Reference,
	})
	if err != nil {
		return Receipt{}, &Error{Kind: KindPermanent, Op: op, Message: "encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, &Error{Kind: KindPermanent, Op: op, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Service-Token", p.Token)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		// The request may have reached the wallet before the connection broke.
		return Receipt{}, &Error{Kind: KindUnknown, Op: op, Message: "call wallet service", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out Receipt
		if err := json.Unmarshal(body, &out); err != nil {
			return Receipt{}, &Error{Kind: KindUnknown, Op: op, Message: "decode response", Err: err}
		}
		return out, nil
	}

	var fb failureBody
	_ = json.Unmarshal(body, &fb)
	msg := fb.Error
	if msg == "" {
		msg = fmt.Sprintf("wallet service returned status %d", resp.StatusCode)
	}

	kind := fb.Kind
	if kind != KindTemporary && kind != KindPermanent && kind != KindUnknown {
		kind = kindForStatus(resp.StatusCode)
	}
	return Receipt{}, &Error{Kind: kind, Op: op, Message: msg}
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable,
		code == http.StatusBadGateway, code == http.StatusGatewayTimeout:
		return KindTemporary
	case code == http.StatusRequestTimeout, code == http.StatusConflict:
		return KindUnknown
	case code >= 400 && code < 500:
		return KindPermanent
	default:
		return KindUnknown
	}
}
