package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	name string
	err  error

	mu     sync.Mutex
	events []rental.Event
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Publish(_ context.Context, e rental.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func sampleEvent() rental.Event {
	iv := rental.Interval{
		ID:          uuid.New(),
		EquipmentID: uuid.New(),
		Start:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		Quantity:    1,
		Kind:        rental.KindReservation,
		State:       rental.StateConfirmed,
		Version:     1,
	}
	return rental.Event{Type: rental.EventBookingCommitted, EquipmentID: iv.EquipmentID, IntervalID: iv.ID, Version: 1, Interval: &iv}
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	broken := &recorder{name: "broken", err: errors.New("connection refused")}
	ok := &recorder{name: "ok"}
	fanout := NewFanout(zap.New(core), broken, ok)

	err := fanout.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, broken.events, 1)
	assert.Len(t, ok.events, 1, "a failing sink does not stop later sinks")
	assert.Equal(t, 1, logs.Len())

	assert.NoError(t, NewFanout(nil, ok).Publish(context.Background(), sampleEvent()))
	assert.NoError(t, Nop{}.Publish(context.Background(), sampleEvent()))
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	client := &fakeRedis{}
	pub := NewRedisPublisher(client, "")
	e := sampleEvent()

	require.NoError(t, pub.Publish(context.Background(), e))
	assert.Equal(t, "rental.events", client.channel)

	var decoded rental.Event
	require.NoError(t, json.Unmarshal(client.payload, &decoded))
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.IntervalID, decoded.IntervalID)

	client.err = errors.New("READONLY")
	assert.ErrorContains(t, pub.Publish(context.Background(), e), "READONLY")
}

func TestAMQPPublisher(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("skipping amqp test: AMQP_URL not set")
	}
	pub := NewAMQPPublisher(url, "rental.events.test", zap.NewNop())
	defer pub.Close()

	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))
	require.NoError(t, pub.Publish(context.Background(), sampleEvent()))
}
