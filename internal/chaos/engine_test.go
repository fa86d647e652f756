package chaos

import (
	"context"
	"errors"
	"testing"
	"time"

	"rentalnexus/internal/availability"
	"rentalnexus/internal/booking"
	"rentalnexus/internal/equipment"
	"rentalnexus/internal/interval"
	"rentalnexus/internal/notify"
	"rentalnexus/internal/rental"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTarget(t *testing.T, holdTTL time.Duration) booking.Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := equipment.NewMemoryStore(time.Now)
	index := interval.NewMemoryIndex(time.Now)
	return booking.NewService(booking.Dependencies{
		Index:      index,
		Equipment:  store,
		Calculator: availability.NewCalculator(index, store, logger, true),
		Gate:       equipment.NewGate(store, index, time.Now, logger),
		Publisher:  notify.Nop{},
		Logger:     logger,
		HoldTTL:    holdTTL,
	})
}

func newTestEngine(t *testing.T) *Engine {
	engine := NewEngine(zaptest.NewLogger(t))
	engine.SampleEvery = 10 * time.Millisecond
	engine.Cooldown = time.Millisecond
	return engine
}

var fast = Options{Stock: 4, Requests: 30, Duration: 40 * time.Millisecond, HoldTTL: 60 * time.Millisecond, Grace: 200 * time.Millisecond}

func TestBookingRaceExperiment(t *testing.T) {
	target := newTarget(t, time.Minute)
	engine := newTestEngine(t)

	result, err := engine.RunExperiment(context.Background(), BookingRaceExperiment(target, fast))
	require.NoError(t, err)
	assert.True(t, result.SteadyStateValid)
	assert.True(t, result.HypothesisHeld, "failed assertions: %v", result.FailedAssertions)
	assert.Empty(t, result.ErrorEvents)
	assert.Empty(t, result.Violations)

	committed := result.Observations["committed_bookings"]
	require.NotEmpty(t, committed)
	assert.Equal(t, float64(fast.Stock), committed[len(committed)-1].Value)
	assert.Len(t, engine.Results(), 1)
}

func TestStatusGateExperiment(t *testing.T) {
	target := newTarget(t, time.Minute)
	engine := newTestEngine(t)

	result, err := engine.RunExperiment(context.Background(), StatusGateExperiment(target, fast))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "failed assertions: %v", result.FailedAssertions)
	assert.Empty(t, result.ErrorEvents)
}

func TestHoldExpiryExperimentReportsRecovery(t *testing.T) {
	target := newTarget(t, fast.HoldTTL)
	engine := newTestEngine(t)

	result, err := engine.RunExperiment(context.Background(), HoldExpiryExperiment(target, fast))
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, "failed assertions: %v", result.FailedAssertions)
	assert.NotEmpty(t, result.Violations, "the live hold must show as a violation")
	require.NotNil(t, result.MTTR)
	assert.GreaterOrEqual(t, *result.MTTR, fast.HoldTTL/2)
}

func TestSteadyStateFailureAborts(t *testing.T) {
	engine := newTestEngine(t)
	rolledBack := false

	_, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "broken",
		SteadyState: []Metric{
			{
				Name:      "always_failing",
				Query:     func(context.Context) (float64, error) { return 0, errors.New("metric source down") },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Rollback: []Action{{Execute: func(context.Context) error { rolledBack = true; return nil }}},
		Duration: time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.True(t, rolledBack)
	assert.Empty(t, engine.Results())
}

func TestSetupFailureAborts(t *testing.T) {
	engine := newTestEngine(t)
	methodRan := false

	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name:   "no-fixture",
		Setup:  []Action{{Target: "equipment", Execute: func(context.Context) error { return rental.ErrNotFound }}},
		Method: []Action{{Execute: func(context.Context) error { methodRan = true; return nil }}},
	})
	require.Error(t, err)
	assert.False(t, methodRan)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "equipment", result.ErrorEvents[0].Component)
}

func TestEvaluateThreshold(t *testing.T) {
	engine := NewEngine(nil)
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, engine.evaluateThreshold(tc.value, Threshold{Operator: tc.op, Value: 1}), "%v %s 1", tc.value, tc.op)
	}
}

func TestExecuteGameDay(t *testing.T) {
	target := newTarget(t, fast.HoldTTL)
	engine := newTestEngine(t)
	engine.RegisterExperiments(target, fast)
	require.Len(t, engine.Experiments(), 3)

	held, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "test day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.Len(t, engine.Results(), 3)
}
