package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CommissionStyle is how a rail is told about the platform's cut.
type CommissionStyle string

const (
	// CommissionApplicationFee sends the fee as a single application fee
	// deducted from the charge.
	CommissionApplicationFee CommissionStyle = "application_fee"
	// CommissionSplit sends explicit payee/platform split lines.
	CommissionSplit CommissionStyle = "split"
)

// RESTConfig configures a JSON-over-HTTP settlement rail.
type RESTConfig struct {
	Name            string
	BaseURL         string
	APIKey          string
	Commission      CommissionStyle
	PlatformAccount string
	Timeout         time.Duration
}

// RESTGateway talks to a marketplace settlement rail over HTTP. The default
// and regional backends are both instances of it with different commission
// styles.
type RESTGateway struct {
	cfg      RESTConfig
	client   *http.Client
	checkout *CheckoutSigner
}

// NewRESTGateway validates cfg and returns a backend. checkout may be nil, in
// which case CreateEscrow never returns a redirect URL.
func NewRESTGateway(cfg RESTConfig, client *http.Client, checkout *CheckoutSigner) (*RESTGateway, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("gateway: backend name required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway: %s base url: %w", cfg.Name, err)
	}
	switch cfg.Commission {
	case "":
		cfg.Commission = CommissionApplicationFee
	case CommissionApplicationFee, CommissionSplit:
	default:
		return nil, fmt.Errorf("gateway: %s unknown commission style %q", cfg.Name, cfg.Commission)
	}
	if cfg.Commission == CommissionSplit && cfg.PlatformAccount == "" {
		return nil, fmt.Errorf("gateway: %s split commission requires platform account", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTGateway{cfg: cfg, client: client, checkout: checkout}, nil
}

func (g *RESTGateway) Name() string { return g.cfg.Name }

func (g *RESTGateway) CreateEscrow(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := req.Validate(); err != nil {
		return CreateResult{}, &Error{Backend: g.cfg.Name, Op: OpCreate, Err: err}
	}
	body := map[string]any{
		"reference": req.SliceID,
		"amount":    req.Amount,
		"currency":  strings.ToLower(req.Currency),
		"payer":     req.PayerID,
		"capture":   "manual",
	}
	switch g.cfg.Commission {
	case CommissionSplit:
		body["splits"] = []map[string]any{
			{"account": req.PayeeID, "amount": req.Amount - req.PlatformFee},
			{"account": g.cfg.PlatformAccount, "amount": req.PlatformFee},
		}
	default:
		body["payee"] = req.PayeeID
		body["application_fee_amount"] = req.PlatformFee
	}

	res, err := g.do(ctx, OpCreate, "/v1/escrows", "create:"+req.SliceID, body)
	if err != nil {
		return CreateResult{}, err
	}
	id := res.Get("id").String()
	if id == "" {
		return CreateResult{}, &Error{Backend: g.cfg.Name, Op: OpCreate, Retryable: true, Err: errors.New("response missing transaction id")}
	}
	out := CreateResult{TransactionID: id, Status: res.Get("status").String()}
	if g.checkout != nil && res.Get("requires_action").Bool() {
		redirect, err := g.checkout.RedirectURL(req, id)
		if err != nil {
			return CreateResult{}, &Error{Backend: g.cfg.Name, Op: OpCreate, Err: err}
		}
		out.RedirectURL = redirect
	}
	return out, nil
}

func (g *RESTGateway) ReleaseFunds(ctx context.Context, transactionID string) (ReleaseResult, error) {
	path := "/v1/escrows/" + url.PathEscape(transactionID) + "/release"
	res, err := g.do(ctx, OpRelease, path, "release:"+transactionID, map[string]any{})
	if err != nil {
		return ReleaseResult{}, err
	}
	return ReleaseResult{
		Success:    res.Get("status").String() == "released",
		ReleasedAt: unixOrNow(res.Get("released_at")),
	}, nil
}

func (g *RESTGateway) Refund(ctx context.Context, transactionID string, amount *int64) (RefundResult, error) {
	body := map[string]any{}
	key := "refund:" + transactionID + ":full"
	if amount != nil {
		if *amount <= 0 {
			return RefundResult{}, &Error{Backend: g.cfg.Name, Op: OpRefund, Err: fmt.Errorf("%w: refund amount must be positive", ErrInvalidRequest)}
		}
		body["amount"] = *amount
		key = "refund:" + transactionID + ":" + strconv.FormatInt(*amount, 10)
	}
	path := "/v1/escrows/" + url.PathEscape(transactionID) + "/refunds"
	res, err := g.do(ctx, OpRefund, path, key, body)
	if err != nil {
		return RefundResult{}, err
	}
	status := res.Get("status").String()
	return RefundResult{
		Success:    status == "refunded" || status == "succeeded",
		RefundedAt: unixOrNow(res.Get("refunded_at")),
	}, nil
}

func (g *RESTGateway) do(ctx context.Context, op Op, path, idempotencyKey string, body any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, &Error{Backend: g.cfg.Name, Op: op, Err: fmt.Errorf("marshal body: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, &Error{Backend: g.cfg.Name, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return gjson.Result{}, &Error{Backend: g.cfg.Name, Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, &Error{Backend: g.cfg.Name, Op: op, Retryable: true, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusConflict
		return gjson.Result{}, &Error{Backend: g.cfg.Name, Op: op, Retryable: retryable, Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &Error{Backend: g.cfg.Name, Op: op, Retryable: true, Err: errors.New("invalid json response")}
	}
	return gjson.ParseBytes(raw), nil
}

func unixOrNow(v gjson.Result) time.Time {
	if v.Exists() && v.Int() > 0 {
		return time.Unix(v.Int(), 0).UTC()
	}
	return time.Now().UTC()
}
