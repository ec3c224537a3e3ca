package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savistas/orgseats/pkg/observability"
)

func TestRedisPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	publisher := NewRedisPublisher(client, "")
	notice := NewNotice(KindPlanRestoration, 10, 99, "restore your plan", map[string]interface{}{"plan": "solo_pro"})
	require.NoError(t, publisher.Publish(ctx, notice))

	select {
	case msg := <-sub.Channel():
		var got Notice
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, notice.ID, got.ID)
		assert.Equal(t, KindPlanRestoration, got.Kind)
		assert.Equal(t, int64(99), got.RecipientID)
		assert.Equal(t, "solo_pro", got.Data["plan"])
	case <-time.After(2 * time.Second):
		t.Fatal("notice was not delivered")
	}
}

func TestRedisPublisher_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisPublisher(client, "x").Publish(context.Background(), NewNotice(KindOverCapacity, 1, 2, "over", nil))
	assert.Error(t, err)
}

type failing struct{}

func (failing) Publish(context.Context, *Notice) error { return errors.New("down") }

func TestFanout_JoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	logPub := NewLogPublisher(observability.NewLogger(observability.InfoLevel, &buf))

	err := Fanout{logPub, failing{}, Discard{}}.Publish(context.Background(), NewNotice(KindDowngradeApplied, 1, 2, "downgraded", nil))
	assert.EqualError(t, err, "down")
	assert.Contains(t, buf.String(), "downgraded")
	assert.Contains(t, buf.String(), `"kind":"seats.downgrade_applied"`)
}
