package clients

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"rentalnexus/internal/auth"
	"rentalnexus/internal/availability"
	"rentalnexus/internal/booking"
	"rentalnexus/internal/chaos"
	"rentalnexus/internal/equipment"
	"rentalnexus/internal/eventstore"
	"rentalnexus/internal/interval"
	"rentalnexus/internal/notify"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const adminToken = "let-me-in"

func newEngine(t *testing.T) *EngineClient {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := equipment.NewMemoryStore(time.Now)
	index := interval.NewMemoryIndex(time.Now)
	ledger := eventstore.NewLedger(eventstore.NewMemoryStore())

	svc := booking.NewService(booking.Dependencies{
		Index:      index,
		Equipment:  store,
		Calculator: availability.NewCalculator(index, store, logger, true),
		Gate:       equipment.NewGate(store, index, time.Now, logger),
		Publisher:  notify.NewFanout(logger, ledger),
		History:    ledger,
		Logger:     logger,
		HoldTTL:    time.Minute,
	})

	hash, salt, err := auth.HashToken(adminToken)
	require.NoError(t, err)
	server := httptest.NewServer(booking.NewRouter(booking.NewHandler(svc, auth.NewOperator(hash, salt), logger), nil))
	t.Cleanup(server.Close)
	return NewEngineClient(server.URL + "/")
}

func TestEngineClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newEngine(t)
	start := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Hour)
	end := start.Add(24 * time.Hour)

	unit, err := client.RegisterEquipment(ctx, "scissor lift", 2)
	require.NoError(t, err)
	got, err := client.GetEquipment(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, unit.ID, got.ID)

	hold, err := client.RequestBooking(ctx, booking.BookingRequest{EquipmentID: unit.ID, Start: start, End: end, Quantity: 1, Hold: true})
	require.NoError(t, err)
	assert.Equal(t, rental.StatePending, hold.State)

	hold, err = client.ModifyQuantity(ctx, hold.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, hold.Quantity)

	hold, err = client.ExtendBooking(ctx, hold.ID, end.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, hold.End.Equal(end.Add(time.Hour)))

	hold, err = client.ConfirmBooking(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, rental.StateConfirmed, hold.State)

	_, err = client.RequestBooking(ctx, booking.BookingRequest{EquipmentID: unit.ID, Start: start, End: end, Quantity: 1})
	var short *rental.InsufficientAvailabilityError
	require.ErrorAs(t, err, &short)
	require.Len(t, short.Windows, 1)
	assert.Equal(t, 0, short.Windows[0].FreeQuantity)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "insufficient_availability", apiErr.Code)

	windows, err := client.Availability(ctx, unit.ID, start, end)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, 0, windows[0].FreeQuantity)

	listed, err := client.Bookings(ctx, unit.ID, start, end)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	_, err = client.SetStatus(ctx, unit.ID, rental.StatusMaintenance, false)
	var blocked *rental.HasActiveCommitmentsError
	require.ErrorAs(t, err, &blocked)
	assert.Len(t, blocked.Intervals, 1)

	_, err = client.SetStatus(ctx, unit.ID, rental.StatusMaintenance, true)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "forbidden", apiErr.Code)

	change, err := client.WithAdminToken(adminToken).SetStatus(ctx, unit.ID, rental.StatusMaintenance, true)
	require.NoError(t, err)
	assert.True(t, change.Changed)
	require.Len(t, change.Cancelled, 1)
	assert.Equal(t, hold.ID, change.Cancelled[0].ID)

	block, err := client.BlockMaintenance(ctx, booking.MaintenanceRequest{EquipmentID: unit.ID, Start: start, End: end, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, rental.KindMaintenanceBlock, block.Kind)

	resized, err := client.SetTotalQuantity(ctx, unit.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, resized.TotalQuantity)

	history, err := client.History(ctx, hold.ID)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	expired, err := client.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestEngineClientErrors(t *testing.T) {
	ctx := context.Background()
	client := newEngine(t)

	_, err := client.GetEquipment(ctx, uuid.New())
	assert.ErrorIs(t, err, rental.ErrNotFound)

	_, err = client.RegisterEquipment(ctx, " ", 1)
	var invalid *rental.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.NotEmpty(t, invalid.Reason)
	assert.True(t, rental.IsRejection(err))

	unit, err := client.RegisterEquipment(ctx, "generator", 1)
	require.NoError(t, err)
	_, err = client.SetStatus(ctx, unit.ID, rental.StatusRetired, false)
	require.NoError(t, err)
	_, err = client.SetStatus(ctx, unit.ID, rental.StatusAvailable, false)
	var illegal *rental.IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)

	unreachable := NewEngineClient("http://127.0.0.1:1")
	_, err = unreachable.GetEquipment(ctx, unit.ID)
	require.Error(t, err)
	assert.False(t, errors.As(err, new(*APIError)))
}

func TestEngineClientDrivesChaosExperiments(t *testing.T) {
	client := newEngine(t)
	engine := chaos.NewEngine(zaptest.NewLogger(t))
	engine.SampleEvery = 10 * time.Millisecond

	opts := chaos.Options{Stock: 3, Requests: 12, Duration: 30 * time.Millisecond}
	result, err := engine.RunExperiment(context.Background(), chaos.BookingRaceExperiment(client, opts))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "failed assertions: %v", result.FailedAssertions)

	result, err = engine.RunExperiment(context.Background(), chaos.StatusGateExperiment(client, opts))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "failed assertions: %v", result.FailedAssertions)
}
