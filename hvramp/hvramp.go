/*Package hvramp ramps a high voltage supply in small, settled steps so that
the photodetectors on its output are never exposed to a sudden bias change.

Below a threshold voltage the supply steps by a normal increment; above it by
a (smaller) threshold increment.  Every commanded value is rounded to 10 mV
and clamped to the target.  After each step the supply is read back; a
reading of ComplianceReading or one that disagrees with the command faults
the ramper, which then walks the output to zero using commanded values only,
because the readback can no longer be trusted.
*/
package hvramp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/mathx"
	"github.com/mppcqc/benchlab/metrics"
)

// ComplianceReading is the readback of a supply in current compliance
const ComplianceReading = -999.

var (
	// ErrCompliance is the fault raised when the supply reports current compliance
	ErrCompliance = errors.New("hvramp: supply in current compliance")

	// ErrOutOfRange is returned for targets outside [0, Profile.Max]
	ErrOutOfRange = errors.New("hvramp: target voltage out of range")

	// ErrReadbackMismatch matches every *ReadbackMismatchError
	ErrReadbackMismatch = errors.New("hvramp: readback does not match command")

	// ErrFaulted is returned by RampTo and Jump while a fault is latched
	ErrFaulted = errors.New("hvramp: ramper is faulted, ramp to zero first")
)

// ReadbackMismatchError is the fault raised when the supply does not read
// back what was commanded
type ReadbackMismatchError struct {
	Commanded, Read float64
}

func (e *ReadbackMismatchError) Error() string {
	return fmt.Sprintf("hvramp: commanded %.2f V but supply reads %.2f V", e.Commanded, e.Read)
}

func (e *ReadbackMismatchError) Is(target error) bool {
	return target == ErrReadbackMismatch
}

// Supply is a voltage source that can be commanded and read back
type Supply interface {
	ReadVoltage() (float64, error)
	SetVoltage(float64) error
}

// Ranger is a supply with selectable output ranges
type Ranger interface {
	// SetRange selects a range that can reach v and returns it
	SetRange(v float64) (float64, error)

	// Range returns the present range, zero if unknown
	Range() float64
}

// Resetter is a supply that can be returned to its power-on state
type Resetter interface {
	Reset() error
}

// Direction labels a step
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Jump Direction = "jump"
)

// Step describes one commanded change of the output
type Step struct {
	Commanded float64   `json:"commanded"`
	Read      float64   `json:"read"`
	Target    float64   `json:"target"`
	Direction Direction `json:"direction"`
	Time      time.Time `json:"time"`

	// Unverified is true when the readback was skipped because of a fault
	Unverified bool `json:"unverified"`
}

// Profile holds the ramp parameters
type Profile struct {
	// NormIncrement is the step size at or below Threshold
	NormIncrement float64 `koanf:"normincrement" yaml:"NormIncrement"`

	// ThreshIncrement is the step size above Threshold
	ThreshIncrement float64 `koanf:"threshincrement" yaml:"ThreshIncrement"`

	// Threshold is the voltage above which ThreshIncrement applies
	Threshold float64 `koanf:"threshold" yaml:"Threshold"`

	// Max is the largest target accepted
	Max float64 `koanf:"max" yaml:"Max"`

	// Settle is waited after every ramp step
	Settle time.Duration `koanf:"settle" yaml:"Settle"`

	// ZeroSettle is waited after every step of a ramp to zero
	ZeroSettle time.Duration `koanf:"zerosettle" yaml:"ZeroSettle"`

	// ZeroSnap: when ramping to zero, a step landing below this goes to 0
	ZeroSnap float64 `koanf:"zerosnap" yaml:"ZeroSnap"`

	// JumpSettle is waited after a Jump
	JumpSettle time.Duration `koanf:"jumpsettle" yaml:"JumpSettle"`

	// Tolerance is the largest accepted difference between command and readback
	Tolerance float64 `koanf:"tolerance" yaml:"Tolerance"`
}

// DefaultProfile is the MPPC bias profile: 2 V steps to 76 V, then 0.5 V steps
func DefaultProfile() Profile {
	return Profile{
		NormIncrement:   2,
		ThreshIncrement: 0.5,
		Threshold:       76,
		Max:             500,
		Settle:          2 * time.Second,
		ZeroSettle:      1 * time.Second,
		ZeroSnap:        2,
		JumpSettle:      5 * time.Second,
		Tolerance:       0.01,
	}
}

// Validate checks the profile is usable
func (p Profile) Validate() error {
	if p.NormIncrement <= 0 || p.ThreshIncrement <= 0 {
		return fmt.Errorf("hvramp: increments must be positive, got %v and %v", p.NormIncrement, p.ThreshIncrement)
	}
	if p.Max <= 0 {
		return fmt.Errorf("hvramp: max voltage must be positive, got %v", p.Max)
	}
	if p.Threshold < 0 || p.Threshold > p.Max {
		return fmt.Errorf("hvramp: threshold %v outside [0, %v]", p.Threshold, p.Max)
	}
	if p.Tolerance < 0 || p.ZeroSnap < 0 {
		return errors.New("hvramp: tolerance and zero snap must not be negative")
	}
	return nil
}

// NextStep returns the next commanded voltage when ramping from cur toward
// target.  Going up, the normal increment is used while the step would not
// pass the threshold; going down, the threshold increment is used while cur
// is above the threshold.
func NextStep(cur, target float64, p Profile) float64 {
	next := cur
	switch {
	case cur < target:
		if cur+p.NormIncrement <= p.Threshold {
			next += p.NormIncrement
		} else {
			next += p.ThreshIncrement
		}
		next = math.Min(next, target)
	case cur > target:
		if cur > p.Threshold {
			next -= p.ThreshIncrement
		} else {
			next -= p.NormIncrement
		}
		next = math.Max(next, target)
	}
	return mathx.Round(next, 0.01)
}

// Ramper drives one Supply.  It is safe for concurrent use; ramps are
// serialized.
type Ramper struct {
	supply  Supply
	profile Profile

	// Name labels log lines and metrics
	Name string

	// Log receives step and fault events.  The zero value discards them.
	Log zerolog.Logger

	// OnStep, if set, is called after every commanded step
	OnStep func(Step)

	// Instructions is carried by ManualInterventionError when Shutdown fails
	Instructions string

	mu        sync.Mutex // serializes operations
	state     sync.Mutex // guards the fields below
	commanded float64
	fault     error
}

// New creates a Ramper.  The profile is validated.
func New(s Supply, p Profile) (*Ramper, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Ramper{supply: s, profile: p, Name: "supply", Instructions: KeithleyManualRampDown}, nil
}

// Profile returns the ramp parameters
func (r *Ramper) Profile() Profile {
	r.state.Lock()
	defer r.state.Unlock()
	return r.profile
}

// SetProfile replaces the ramp parameters, e.g. a new increment entered at
// the console
func (r *Ramper) SetProfile(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.state.Lock()
	r.profile = p
	r.state.Unlock()
	return nil
}

// Commanded returns the last voltage commanded
func (r *Ramper) Commanded() float64 {
	r.state.Lock()
	defer r.state.Unlock()
	return r.commanded
}

// Fault returns the latched fault, if any
func (r *Ramper) Fault() error {
	r.state.Lock()
	defer r.state.Unlock()
	return r.fault
}

func (r *Ramper) setCommanded(v float64) {
	r.state.Lock()
	r.commanded = v
	r.state.Unlock()
}

func (r *Ramper) latch(err error) {
	r.state.Lock()
	if r.fault == nil {
		r.fault = err
	}
	r.state.Unlock()
	kind := "mismatch"
	if errors.Is(err, ErrCompliance) {
		kind = "compliance"
	}
	metrics.RampFault(r.Name, kind)
	r.Log.Error().Err(err).Str("supply", r.Name).Msg("supply fault, ramping to zero on commanded values")
}

func (r *Ramper) emit(s Step) {
	metrics.RampStep(r.Name, string(s.Direction))
	if !s.Unverified {
		metrics.SupplyVoltage(r.Name, s.Read)
	}
	r.Log.Debug().
		Str("supply", r.Name).
		Float64("commanded", s.Commanded).
		Float64("read", s.Read).
		Float64("target", s.Target).
		Str("direction", string(s.Direction)).
		Msg("ramp step")
	if r.OnStep != nil {
		r.OnStep(s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// check classifies a readback against the command
func (r *Ramper) check(commanded, read float64) error {
	if read == ComplianceReading {
		return ErrCompliance
	}
	if !mathx.Close(read, commanded, r.Profile().Tolerance) {
		return &ReadbackMismatchError{Commanded: commanded, Read: read}
	}
	return nil
}

func (r *Ramper) validTarget(v float64) error {
	if v < 0 || v > r.Profile().Max {
		return fmt.Errorf("%w: %.2f V not in [0, %.0f]", ErrOutOfRange, v, r.Profile().Max)
	}
	return nil
}

func (r *Ramper) raiseRange(target float64) error {
	rg, ok := r.supply.(Ranger)
	if !ok || target <= rg.Range() {
		return nil
	}
	nr, err := rg.SetRange(target)
	if err != nil {
		return err
	}
	r.Log.Info().Str("supply", r.Name).Float64("range", nr).Msg("raised source range")
	return nil
}

// Sync reads the supply and adopts the reading as the commanded voltage.
// A supply in compliance latches the fault.
func (r *Ramper) Sync() (float64, error) {
	v, err := r.supply.ReadVoltage()
	if err != nil {
		return 0, err
	}
	if v == ComplianceReading {
		r.latch(ErrCompliance)
		return r.Commanded(), ErrCompliance
	}
	r.setCommanded(v)
	return v, nil
}

// gridTolerance is half the 0.01 V step grid
const gridTolerance = 0.005

// RampTo steps the supply to target.  On a fault the output is walked to
// zero and the fault is returned.  If ctx is cancelled the output is left
// at the last commanded value and ctx.Err() is returned.
func (r *Ramper) RampTo(ctx context.Context, target float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.ramp(ctx, target, nil)
	return err
}

// IV is one current measurement at a bias point
type IV struct {
	Commanded float64   `json:"commanded"`
	Current   []float64 `json:"current"`
	Time      []float64 `json:"time"`
	Voltage   []float64 `json:"voltage"`
}

// MeasureFunc takes one current measurement at the present bias
type MeasureFunc func() (IV, error)

// Sweep ramps to target like RampTo, but measures at the starting voltage
// and after every step.  Steps are still at least Settle apart.
func (r *Ramper) Sweep(ctx context.Context, target float64, measure MeasureFunc) ([]IV, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ramp(ctx, target, measure)
}

func (r *Ramper) ramp(ctx context.Context, target float64, measure MeasureFunc) ([]IV, error) {
	var out []IV
	if err := r.validTarget(target); err != nil {
		return out, err
	}
	// steps land on the 0.01 V grid, so the target must too
	target = mathx.Round(target, 0.01)
	if err := r.Fault(); err != nil {
		return out, fmt.Errorf("%w: %v", ErrFaulted, err)
	}
	if err := r.raiseRange(target); err != nil {
		return out, err
	}
	cur, err := r.Sync()
	if err != nil {
		if errors.Is(err, ErrCompliance) {
			return out, r.walkDown(err)
		}
		return out, err
	}
	r.Log.Info().Str("supply", r.Name).Float64("from", cur).Float64("to", target).Msg("ramping")
	measureAt := func(v float64) error {
		if measure == nil {
			return nil
		}
		iv, err := measure()
		if err != nil {
			return err
		}
		iv.Commanded = v
		out = append(out, iv)
		return nil
	}
	if err := measureAt(cur); err != nil {
		return out, err
	}
	for !mathx.Close(cur, target, gridTolerance) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p := r.Profile()
		stepStart := time.Now()
		next := NextStep(cur, target, p)
		dir := Up
		if next < cur {
			dir = Down
		}
		if err := r.supply.SetVoltage(next); err != nil {
			return out, err
		}
		r.setCommanded(next)
		read, err := r.supply.ReadVoltage()
		if err != nil {
			return out, err
		}
		r.emit(Step{Commanded: next, Read: read, Target: target, Direction: dir, Time: time.Now()})
		if fault := r.check(next, read); fault != nil {
			return out, r.walkDown(fault)
		}
		cur = next
		if err := measureAt(cur); err != nil {
			return out, err
		}
		if err := sleep(ctx, p.Settle-time.Since(stepStart)); err != nil {
			return out, err
		}
	}
	return out, nil
}

// walkDown latches fault and steps the output to zero with the ramp rule,
// trusting only commanded values.  Cancellation is ignored.
func (r *Ramper) walkDown(fault error) error {
	r.latch(fault)
	cur := r.Commanded()
	for cur > 0 {
		p := r.Profile()
		next := NextStep(cur, 0, p)
		if err := r.supply.SetVoltage(next); err != nil {
			return errors.Join(fault, fmt.Errorf("hvramp: ramping down after fault: %w", err))
		}
		r.setCommanded(next)
		r.emit(Step{Commanded: next, Target: 0, Direction: Down, Time: time.Now(), Unverified: true})
		cur = next
		sleep(context.Background(), p.Settle)
	}
	return fault
}

// Zero walks the output to 0 V and resets the supply if it can be reset.
// Steps landing below Profile.ZeroSnap go straight to zero.  While a fault
// is latched, or once the supply reads compliance, readbacks are skipped.
func (r *Ramper) Zero(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.Commanded()
	if r.Fault() == nil {
		read, err := r.Sync()
		if err == nil {
			cur = read
		} else if !errors.Is(err, ErrCompliance) {
			return err
		}
	}
	for cur > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := r.Profile()
		next := cur
		if cur > p.Threshold {
			next -= p.ThreshIncrement
		} else {
			next -= p.NormIncrement
		}
		if next < p.ZeroSnap {
			next = 0
		}
		next = mathx.Round(next, 0.01)
		if err := r.supply.SetVoltage(next); err != nil {
			return err
		}
		r.setCommanded(next)
		if err := sleep(ctx, p.ZeroSettle); err != nil {
			return err
		}
		step := Step{Commanded: next, Target: 0, Direction: Down, Time: time.Now(), Unverified: true}
		cur = next
		if r.Fault() == nil {
			read, err := r.supply.ReadVoltage()
			if err != nil {
				return err
			}
			step.Read, step.Unverified = read, false
			if fault := r.check(next, read); fault != nil {
				// keep stepping down on commanded values only
				r.latch(fault)
				step.Unverified = true
			} else {
				cur = read
			}
		}
		r.emit(step)
	}
	if rs, ok := r.supply.(Resetter); ok {
		if err := rs.Reset(); err != nil {
			return err
		}
	}
	r.state.Lock()
	r.fault = nil
	r.state.Unlock()
	r.Log.Info().Str("supply", r.Name).Msg("output at zero")
	return nil
}

// Jump sets the output directly to v, raising the range if needed, and
// waits Profile.JumpSettle.  It bypasses the ramp and must only be used
// between voltages known to be safe for the load.
func (r *Ramper) Jump(ctx context.Context, v float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.validTarget(v); err != nil {
		return err
	}
	if err := r.Fault(); err != nil {
		return fmt.Errorf("%w: %v", ErrFaulted, err)
	}
	if err := r.raiseRange(v); err != nil {
		return err
	}
	r.Log.Warn().Str("supply", r.Name).Float64("from", r.Commanded()).Float64("to", v).Msg("jumping voltage")
	v = mathx.Round(v, 0.01)
	if err := r.supply.SetVoltage(v); err != nil {
		return err
	}
	r.setCommanded(v)
	r.emit(Step{Commanded: v, Read: v, Target: v, Direction: Jump, Time: time.Now(), Unverified: true})
	return sleep(ctx, r.Profile().JumpSettle)
}

// Shutdown brings the output to zero on a context of its own, so it still
// runs when the caller's context has been cancelled.  With a jump target
// the output is ramped down to it and then jumped to zero; without one, or
// if that fails, it is walked down with Zero.  If every attempt fails a
// *ManualInterventionError is returned.
func (r *Ramper) Shutdown(jumpTarget *float64) error {
	ctx := context.Background()
	var jumpErr error
	if jumpTarget != nil && r.Fault() == nil {
		jumpErr = r.RampTo(ctx, math.Min(mathx.Round(*jumpTarget, 0.01), r.Commanded()))
		if jumpErr == nil {
			jumpErr = r.Jump(ctx, 0)
		}
		if jumpErr == nil {
			if rs, ok := r.supply.(Resetter); ok {
				jumpErr = rs.Reset()
			}
		}
		if jumpErr == nil {
			return nil
		}
		r.Log.Error().Err(jumpErr).Str("supply", r.Name).Msg("jump shutdown failed, walking down")
	}
	if err := r.Zero(ctx); err != nil {
		return &ManualInterventionError{Cause: errors.Join(jumpErr, err), Instructions: r.Instructions}
	}
	return nil
}
