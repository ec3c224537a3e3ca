package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/contextkeys"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: server.URL + "/", APIKey: "sk_test", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return g
}

func TestHTTPGateway_SetSeatQuantity(t *testing.T) {
	var idempotencyKeys []string
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_1/quantity", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		idempotencyKeys = append(idempotencyKeys, r.Header.Get("Idempotency-Key"))

		var body quantityRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 15, body.Quantity)
		assert.Equal(t, "create_prorations", body.Proration)

		_ = json.NewEncoder(w).Encode(quantityResponse{Status: "confirmed", ProratedAmountCents: 2500})
	})

	ctx := contextkeys.WithRequestID(context.Background(), "req-123")
	update, err := g.SetSeatQuantity(ctx, "sub_1", 15, true)
	require.NoError(t, err)
	assert.True(t, update.Confirmed)
	assert.Equal(t, int64(2500), update.ProratedAmountCents)

	_, err = g.SetSeatQuantity(ctx, "sub_1", 15, true)
	require.NoError(t, err)
	require.Len(t, idempotencyKeys, 2)
	assert.Equal(t, idempotencyKeys[0], idempotencyKeys[1], "a retried request reuses its key")
}

func TestHTTPGateway_Pending(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(quantityResponse{Status: "pending"})
	})

	update, err := g.SetSeatQuantity(context.Background(), "sub_1", 15, false)
	require.NoError(t, err)
	assert.False(t, update.Confirmed)
}

func TestHTTPGateway_ScheduleAndCancel(t *testing.T) {
	effective := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/subscriptions/sub_1/schedules":
			var body scheduleRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, 6, body.Quantity)
			assert.True(t, effective.Equal(body.EffectiveAt))
			_ = json.NewEncoder(w).Encode(scheduleResponse{ScheduleID: "sched_9"})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/schedules/sched_9":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	id, err := g.ScheduleSeatDecrease(context.Background(), "sub_1", 6, effective)
	require.NoError(t, err)
	assert.Equal(t, "sched_9", id)
	require.NoError(t, g.CancelScheduledChange(context.Background(), id))
}

func TestHTTPGateway_ErrorResponse(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(errorResponse{Error: "card declined"})
	})

	_, err := g.SetSeatQuantity(context.Background(), "sub_1", 15, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "card declined")
}

func TestNewHTTPGateway_InvalidURL(t *testing.T) {
	_, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestGatewayError(t *testing.T) {
	err := &GatewayError{Op: "set_seat_quantity", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, ErrGatewayFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
