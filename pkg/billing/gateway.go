package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/savistas/orgseats/pkg/contextkeys"
	"github.com/savistas/orgseats/pkg/observability"
)

// QuantityUpdate is the gateway's answer to a seat quantity change.
type QuantityUpdate struct {
	// Confirmed is false when the gateway accepted the request but has not
	// charged yet. The change then arrives later as a seats.updated event.
	Confirmed           bool  `json:"confirmed"`
	ProratedAmountCents int64 `json:"prorated_amount_cents"`
}

// Gateway is the payment provider holding the seat subscription.
type Gateway interface {
	// SetSeatQuantity changes the subscription quantity now, prorating the
	// remainder of the period when prorate is set.
	SetSeatQuantity(ctx context.Context, subscriptionID string, quantity int, prorate bool) (*QuantityUpdate, error)
	// ScheduleSeatDecrease schedules quantity to take effect at effectiveAt
	// and returns the schedule id.
	ScheduleSeatDecrease(ctx context.Context, subscriptionID string, quantity int, effectiveAt time.Time) (string, error)
	// CancelScheduledChange releases a schedule.
	CancelScheduledChange(ctx context.Context, scheduleID string) error
}

// HTTPGatewayConfig configures HTTPGateway.
type HTTPGatewayConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway talks to the payment provider's REST API.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client

	latencyOnce sync.Once
	latency     metric.Float64Histogram
}

// NewHTTPGateway creates a gateway client. Requests are traced with otelhttp.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type quantityRequest struct {
	Quantity  int    `json:"quantity"`
	Proration string `json:"proration"`
}

type quantityResponse struct {
	Status              string `json:"status"`
	ProratedAmountCents int64  `json:"prorated_amount_cents"`
}

type scheduleRequest struct {
	Quantity    int       `json:"quantity"`
	EffectiveAt time.Time `json:"effective_at"`
}

type scheduleResponse struct {
	ScheduleID string `json:"schedule_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *HTTPGateway) SetSeatQuantity(ctx context.Context, subscriptionID string, quantity int, prorate bool) (*QuantityUpdate, error) {
	proration := "none"
	if prorate {
		proration = "create_prorations"
	}

	var resp quantityResponse
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID) + "/quantity"
	if err := g.do(ctx, "set_seat_quantity", http.MethodPost, path, quantityRequest{Quantity: quantity, Proration: proration}, &resp); err != nil {
		return nil, err
	}
	return &QuantityUpdate{
		Confirmed:           resp.Status == "confirmed",
		ProratedAmountCents: resp.ProratedAmountCents,
	}, nil
}

func (g *HTTPGateway) ScheduleSeatDecrease(ctx context.Context, subscriptionID string, quantity int, effectiveAt time.Time) (string, error) {
	var resp scheduleResponse
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionID) + "/schedules"
	if err := g.do(ctx, "schedule_seat_decrease", http.MethodPost, path, scheduleRequest{Quantity: quantity, EffectiveAt: effectiveAt.UTC()}, &resp); err != nil {
		return "", err
	}
	if resp.ScheduleID == "" {
		return "", fmt.Errorf("gateway returned no schedule id")
	}
	return resp.ScheduleID, nil
}

func (g *HTTPGateway) CancelScheduledChange(ctx context.Context, scheduleID string) error {
	return g.do(ctx, "cancel_scheduled_change", http.MethodDelete, "/v1/schedules/"+url.PathEscape(scheduleID), nil, nil)
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() { g.recordLatency(ctx, op, start, err) }()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey(ctx, op))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (g *HTTPGateway) recordLatency(ctx context.Context, op string, start time.Time, err error) {
	g.latencyOnce.Do(func() {
		hist, herr := otel.Meter(observability.InstrumentationName).Float64Histogram(
			"billing.gateway.duration",
			metric.WithDescription("Payment gateway call latency"),
			metric.WithUnit("s"),
		)
		if herr == nil {
			g.latency = hist
		}
	})
	if g.latency == nil {
		return
	}
	g.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("error", err != nil),
	))
}

// idempotencyKey derives a key per request id and operation so a retried
// HTTP request is not applied twice by the gateway.
func idempotencyKey(ctx context.Context, op string) string {
	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(requestID+"/"+op)).String()
	}
	return uuid.NewString()
}
