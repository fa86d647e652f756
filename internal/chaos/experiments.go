// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rentalnexus/internal/booking"
	"rentalnexus/internal/equipment"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// Target is the slice of the engine API the experiments drive. Both the
// in-process booking service and the HTTP engine client satisfy it.
type Target interface {
	RegisterEquipment(ctx context.Context, name string, totalQuantity int) (rental.Equipment, error)
	GetEquipment(ctx context.Context, id uuid.UUID) (rental.Equipment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status rental.Status, override bool) (equipment.Transition, error)
	RequestBooking(ctx context.Context, req booking.BookingRequest) (rental.Interval, error)
	CancelBooking(ctx context.Context, id uuid.UUID) (rental.Interval, error)
	ExpireHolds(ctx context.Context) ([]rental.Interval, error)
	Availability(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Window, error)
	Bookings(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error)
}

// Options sizes the standard experiments.
type Options struct {
	Stock    int           // units per pool
	Requests int           // concurrent requests fired at a pool
	Duration time.Duration // observation time of the race and gate experiments
	HoldTTL  time.Duration // hold lifetime configured on the engine
	Grace    time.Duration // extra observation time after HoldTTL
}

func (o Options) withDefaults() Options {
	if o.Stock < 1 {
		o.Stock = 5
	}
	if o.Requests <= o.Stock {
		o.Requests = o.Stock * 8
	}
	if o.Duration <= 0 {
		o.Duration = 10 * time.Second
	}
	if o.HoldTTL <= 0 {
		o.HoldTTL = booking.DefaultHoldTTL
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	return o
}

// RegisterExperiments adds the standard rental experiments for target.
func (ce *Engine) RegisterExperiments(target Target, opts Options) {
	opts = opts.withDefaults()
	ce.RegisterExperiment(BookingRaceExperiment(target, opts))
	ce.RegisterExperiment(StatusGateExperiment(target, opts))
	ce.RegisterExperiment(HoldExpiryExperiment(target, opts))
}

// pool is the equipment fixture one experiment works on.
type pool struct {
	target     Target
	name       string
	stock      int
	start, end time.Time

	mu     sync.Mutex
	unit   rental.Equipment
	booked []rental.Interval
}

func newPool(target Target, name string, stock int) *pool {
	start := time.Now().UTC().Add(14 * 24 * time.Hour).Truncate(time.Hour)
	return &pool{target: target, name: name, stock: stock, start: start, end: start.Add(48 * time.Hour)}
}

func (p *pool) register(ctx context.Context) error {
	unit, err := p.target.RegisterEquipment(ctx, p.name, p.stock)
	if err != nil {
		return fmt.Errorf("register %s: %w", p.name, err)
	}
	p.mu.Lock()
	p.unit = unit
	p.booked = nil
	p.mu.Unlock()
	return nil
}

func (p *pool) id() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unit.ID
}

func (p *pool) book(ctx context.Context, quantity int, hold bool) (rental.Interval, error) {
	iv, err := p.target.RequestBooking(ctx, booking.BookingRequest{
		EquipmentID: p.id(),
		Start:       p.start,
		End:         p.end,
		Quantity:    quantity,
		Hold:        hold,
	})
	if err != nil {
		return rental.Interval{}, err
	}
	p.mu.Lock()
	p.booked = append(p.booked, iv)
	p.mu.Unlock()
	return iv, nil
}

func (p *pool) active(ctx context.Context) ([]rental.Interval, error) {
	intervals, err := p.target.Bookings(ctx, p.id(), p.start, p.end)
	if err != nil {
		return nil, err
	}
	out := intervals[:0]
	for _, iv := range intervals {
		if iv.Active() {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (p *pool) minFree(ctx context.Context) (float64, error) {
	windows, err := p.target.Availability(ctx, p.id(), p.start, p.end)
	if err != nil {
		return 0, err
	}
	if len(windows) == 0 {
		return 0, errors.New("availability returned no windows")
	}
	free := windows[0].FreeQuantity
	for _, w := range windows[1:] {
		free = min(free, w.FreeQuantity)
	}
	return float64(free), nil
}

// teardown cancels whatever the experiment booked and retires the pool so
// repeated game days do not accumulate bookable fixtures.
func (p *pool) teardown(ctx context.Context) error {
	p.mu.Lock()
	booked := append([]rental.Interval(nil), p.booked...)
	p.mu.Unlock()

	var errs []error
	for _, iv := range booked {
		if _, err := p.target.CancelBooking(ctx, iv.ID); err != nil && !errors.Is(err, rental.ErrAlreadyCancelled) {
			errs = append(errs, err)
		}
	}
	if _, err := p.target.SetStatus(ctx, p.id(), rental.StatusRetired, false); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BookingRaceExperiment fires more concurrent single-unit requests at a pool
// than it has stock. Exactly Stock of them must commit and the peak
// committed quantity must never exceed the pool size.
func BookingRaceExperiment(target Target, opts Options) Experiment {
	opts = opts.withDefaults()
	p := newPool(target, "chaos-race-pool", opts.Stock)

	var (
		countMu    sync.Mutex
		successes  int
		rejections int
	)

	return Experiment{
		Name:       "Concurrent Booking Race",
		Hypothesis: fmt.Sprintf("Of %d concurrent requests for %d units exactly %d commit and capacity is never exceeded", opts.Requests, opts.Stock, opts.Stock),
		Setup: []Action{
			{
				Type:   "setup",
				Target: "equipment",
				Execute: func(ctx context.Context) error {
					countMu.Lock()
					successes, rejections = 0, 0
					countMu.Unlock()
					return p.register(ctx)
				},
			},
		},
		SteadyState: []Metric{
			{
				Name: "overcommitted_quantity",
				Query: func(ctx context.Context) (float64, error) {
					active, err := p.active(ctx)
					if err != nil {
						return 0, err
					}
					return float64(max(0, rental.Peak(active, p.start, p.end)-opts.Stock)), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "committed_bookings",
				Query: func(ctx context.Context) (float64, error) {
					active, err := p.active(ctx)
					return float64(len(active)), err
				},
				Threshold: Threshold{Operator: "<=", Value: float64(opts.Stock)},
			},
		},
		Method: []Action{
			{
				Type:       "concurrent-requests",
				Target:     "booking",
				Parameters: map[string]interface{}{"requests": opts.Requests, "stock": opts.Stock},
				Execute: func(ctx context.Context) error {
					var (
						wg   sync.WaitGroup
						errs = make(chan error, opts.Requests)
					)
					for i := 0; i < opts.Requests; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := p.book(ctx, 1, false)
							var short *rental.InsufficientAvailabilityError
							countMu.Lock()
							defer countMu.Unlock()
							switch {
							case err == nil:
								successes++
							case errors.As(err, &short):
								rejections++
							default:
								errs <- err
							}
						}()
					}
					wg.Wait()
					close(errs)

					var unexpected []error
					for err := range errs {
						unexpected = append(unexpected, err)
					}
					return errors.Join(unexpected...)
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "cleanup",
				Target:  "equipment",
				Execute: p.teardown,
			},
		},
		Validation: []Assertion{
			{
				Metric:    "overcommitted_quantity",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "committed quantity exceeded pool size",
			},
			{
				Metric: "committed_bookings",
				Condition: func(v float64) bool {
					countMu.Lock()
					defer countMu.Unlock()
					return v == float64(opts.Stock) && successes == opts.Stock && rejections == opts.Requests-opts.Stock
				},
				Message: "successful bookings did not match available stock",
			},
		},
		Duration:    opts.Duration,
		BlastRadius: 0.1,
	}
}

// StatusGateExperiment hammers a unit holding a confirmed reservation with
// status changes into MAINTENANCE and RETIRED. Every attempt must be refused
// and the reservation must survive.
func StatusGateExperiment(target Target, opts Options) Experiment {
	opts = opts.withDefaults()
	p := newPool(target, "chaos-gate-unit", 1)
	var reservation rental.Interval

	return Experiment{
		Name:       "Status Gate Under Contention",
		Hypothesis: "A unit with a confirmed reservation cannot be moved into MAINTENANCE or RETIRED without override",
		Setup: []Action{
			{
				Type:   "setup",
				Target: "equipment",
				Execute: func(ctx context.Context) error {
					if err := p.register(ctx); err != nil {
						return err
					}
					iv, err := p.book(ctx, 1, false)
					reservation = iv
					return err
				},
			},
		},
		SteadyState: []Metric{
			{
				Name: "reservation_intact",
				Query: func(ctx context.Context) (float64, error) {
					active, err := p.active(ctx)
					if err != nil {
						return 0, err
					}
					for _, iv := range active {
						if iv.ID == reservation.ID && iv.State == rental.StateConfirmed {
							return 1, nil
						}
					}
					return 0, nil
				},
				Threshold: Threshold{Operator: "==", Value: 1},
			},
			{
				Name: "unit_available",
				Query: func(ctx context.Context) (float64, error) {
					unit, err := target.GetEquipment(ctx, p.id())
					if err != nil {
						return 0, err
					}
					if unit.Status == rental.StatusAvailable {
						return 1, nil
					}
					return 0, nil
				},
				Threshold: Threshold{Operator: "==", Value: 1},
			},
		},
		Method: []Action{
			{
				Type:       "status-change",
				Target:     "equipment",
				Parameters: map[string]interface{}{"attempts": opts.Requests},
				Execute: func(ctx context.Context) error {
					var (
						wg   sync.WaitGroup
						errs = make(chan error, opts.Requests)
					)
					for i := 0; i < opts.Requests; i++ {
						to := rental.StatusMaintenance
						if i%2 == 1 {
							to = rental.StatusRetired
						}
						wg.Add(1)
						go func() {
							defer wg.Done()
							_, err := target.SetStatus(ctx, p.id(), to, false)
							var blocked *rental.HasActiveCommitmentsError
							switch {
							case err == nil:
								errs <- fmt.Errorf("status change to %s was not blocked", to)
							case !errors.As(err, &blocked):
								errs <- err
							}
						}()
					}
					wg.Wait()
					close(errs)

					var unexpected []error
					for err := range errs {
						unexpected = append(unexpected, err)
					}
					return errors.Join(unexpected...)
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "cleanup",
				Target:  "equipment",
				Execute: p.teardown,
			},
		},
		Validation: []Assertion{
			{
				Metric:    "reservation_intact",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "confirmed reservation was lost",
			},
			{
				Metric:    "unit_available",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "unit left AVAILABLE despite open commitments",
			},
		},
		Duration:    opts.Duration,
		BlastRadius: 0.05,
	}
}

// HoldExpiryExperiment places a hold over the whole pool and measures how
// long the sweeper takes to hand the capacity back. The steady-state metric
// is violated while the hold is live; MTTR is the time to release.
func HoldExpiryExperiment(target Target, opts Options) Experiment {
	opts = opts.withDefaults()
	p := newPool(target, "chaos-hold-pool", opts.Stock)

	return Experiment{
		Name:       "Hold Expiry Release",
		Hypothesis: fmt.Sprintf("An unconfirmed hold on the whole pool is released within %s", opts.HoldTTL+opts.Grace),
		Setup: []Action{
			{
				Type:    "setup",
				Target:  "equipment",
				Execute: p.register,
			},
		},
		SteadyState: []Metric{
			{
				Name: "free_quantity",
				Query: func(ctx context.Context) (float64, error) {
					if _, err := target.ExpireHolds(ctx); err != nil {
						return 0, err
					}
					return p.minFree(ctx)
				},
				Threshold: Threshold{Operator: "==", Value: float64(opts.Stock)},
			},
		},
		Method: []Action{
			{
				Type:       "hold",
				Target:     "booking",
				Parameters: map[string]interface{}{"quantity": opts.Stock, "ttl": opts.HoldTTL.String()},
				Execute: func(ctx context.Context) error {
					_, err := p.book(ctx, opts.Stock, true)
					return err
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "cleanup",
				Target:  "equipment",
				Execute: p.teardown,
			},
		},
		Validation: []Assertion{
			{
				Metric:    "free_quantity",
				Condition: func(v float64) bool { return v == float64(opts.Stock) },
				Message:   "expired hold still blocks capacity",
			},
		},
		Duration:    opts.HoldTTL + opts.Grace,
		BlastRadius: 0.1,
	}
}
