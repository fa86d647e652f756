// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	Setup       []Action
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0 (share of the fleet touched)
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action represents a setup, fault injection or recovery step
type Action struct {
	Type       string // setup, concurrent-requests, status-change, cleanup
	Target     string
	Parameters map[string]interface{}
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome against the final observation
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Engine orchestrates chaos experiments
type Engine struct {
	// SampleEvery is the metric sampling interval while observing.
	SampleEvery time.Duration
	// Cooldown is the pause between experiments of a game day.
	Cooldown time.Duration

	tracer      trace.Tracer
	logger      *zap.Logger
	experiments []Experiment
	results     []ExperimentResult
	mu          sync.Mutex
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		SampleEvery: time.Second,
		Cooldown:    30 * time.Second,
		tracer:      otel.Tracer("rentalnexus/chaos"),
		logger:      logger,
		experiments: make([]Experiment, 0),
		results:     make([]ExperimentResult, 0),
	}
}

// RegisterExperiment adds an experiment to the suite
func (ce *Engine) RegisterExperiment(exp Experiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

// Experiments returns the registered experiments.
func (ce *Engine) Experiments() []Experiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]Experiment(nil), ce.experiments...)
}

// Results returns the results of every finished experiment.
func (ce *Engine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

func (ce *Engine) runActions(ctx context.Context, span trace.Span, actions []Action, result *ExperimentResult) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}
}

// RunExperiment executes a single chaos experiment
func (ce *Engine) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 0: Prepare fixtures
	span.AddEvent("setting_up")
	ce.runActions(ctx, span, exp.Setup, result)
	if len(result.ErrorEvents) > 0 {
		return result, errors.New("setup failed - aborting experiment")
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := ce.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.SteadyStateValid = false
		result.Violations = violations
		ce.runActions(ctx, span, exp.Rollback, result)
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: Inject chaos
	span.AddEvent("injecting_chaos")
	ce.runActions(ctx, span, exp.Method, result)

	// Phase 3: Observe system behavior
	span.AddEvent("observing_system")
	ce.observe(ctx, exp, result)

	// Phase 4: Roll back
	span.AddEvent("rolling_back")
	ce.runActions(ctx, span, exp.Rollback, result)

	// Phase 5: Validate assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = ce.validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)

	return result, nil
}

// observe samples the steady-state metrics until exp.Duration elapses. The
// first sample is taken immediately; MTTR runs from the first violation to
// the first sample back within threshold.
func (ce *Engine) observe(ctx context.Context, exp Experiment, result *ExperimentResult) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	recoveryStart := time.Time{}
	systemRecovered := false

	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
					Timestamp: time.Now(),
					Error:     err.Error(),
					Component: metric.Name,
				})
				continue
			}

			result.Observations[metric.Name] = append(
				result.Observations[metric.Name],
				DataPoint{Timestamp: time.Now(), Value: value},
			)

			if !ce.evaluateThreshold(value, metric.Threshold) {
				if recoveryStart.IsZero() {
					recoveryStart = time.Now()
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  time.Now(),
				})
			} else if !recoveryStart.IsZero() && !systemRecovered {
				mttr := time.Since(recoveryStart)
				result.MTTR = &mttr
				systemRecovered = true
			}
		}
	}

	every := ce.SampleEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	sample()
	for {
		select {
		case <-observationCtx.Done():
			sample()
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (ce *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !ce.evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func (ce *Engine) evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions returns the messages of the assertions that failed.
func (ce *Engine) validateAssertions(assertions []Assertion, result *ExperimentResult) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message+" (no observations)")
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
	Runbooks     map[string]string
}

// ExecuteGameDay runs every scenario in order and reports whether all
// hypotheses held.
func (ce *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) (bool, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	ce.logger.Info("starting game day",
		zap.String("name", gameDay.Name),
		zap.Time("date", gameDay.Date),
		zap.Strings("participants", gameDay.Participants),
	)

	allHeld := true
	for i, scenario := range gameDay.Scenarios {
		ce.logger.Info("running experiment",
			zap.Int("index", i+1),
			zap.Int("of", len(gameDay.Scenarios)),
			zap.String("name", scenario.Name),
			zap.String("hypothesis", scenario.Hypothesis),
		)

		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			ce.logger.Error("experiment failed", zap.String("name", scenario.Name), zap.Error(err))
			allHeld = false
		} else {
			ce.logResult(result)
			allHeld = allHeld && result.HypothesisHeld
		}

		if i == len(gameDay.Scenarios)-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(ce.Cooldown):
		}
	}

	span.SetAttributes(attribute.Bool("all_held", allHeld))
	return allHeld, nil
}

func (ce *Engine) logResult(result *ExperimentResult) {
	fields := []zap.Field{
		zap.String("name", result.ExperimentName),
		zap.Bool("hypothesisHeld", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Int("errors", len(result.ErrorEvents)),
		zap.Duration("duration", result.Duration),
	}
	if result.MTTR != nil {
		fields = append(fields, zap.Duration("mttr", *result.MTTR))
	}
	if len(result.FailedAssertions) > 0 {
		fields = append(fields, zap.Strings("failedAssertions", result.FailedAssertions))
	}
	if result.HypothesisHeld {
		ce.logger.Info("hypothesis held", fields...)
		return
	}
	ce.logger.Warn("hypothesis violated", fields...)
}
