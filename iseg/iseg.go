/*Package iseg controls channel 1 of an iseg NHQ high voltage module over
RS-232, used to bias the reference PMT.

The NHQ reads its UART slowly: every character is paced CharDelay apart
and each command ends with CR LF.  The module echoes the command on its own
line and then sends a response line, which is empty for set commands.  A
'?' in either line is the module rejecting the command.

The NHQ ramps in hardware.  SetVoltage only stores a target; StartRamp
begins the ramp at the stored ramp speed, and Status reports L2H or H2L
until it completes.
*/
package iseg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/mppcqc/benchlab/comm"
)

const (
	// CharDelay is the spacing between characters written to the module
	CharDelay = 50 * time.Millisecond

	// MaxSetVoltage is the largest value D1 accepts
	MaxSetVoltage = 9999

	// MinRampSpeed and MaxRampSpeed bound V1, in V/s
	MinRampSpeed = 2
	MaxRampSpeed = 255
)

// ErrPortMisconfigured is returned by Open when the module does not answer
// the system information query with four fields
var ErrPortMisconfigured = errors.New("iseg: incorrect port configuration")

// ErrorKind classifies a CommandError
type ErrorKind int

const (
	// Rejected means the module answered with '?'
	Rejected ErrorKind = iota + 1

	// EchoMismatch means the echoed line differs from the command sent
	EchoMismatch

	// UnexpectedResponse means a set command produced a response
	UnexpectedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case Rejected:
		return "rejected"
	case EchoMismatch:
		return "echo mismatch"
	case UnexpectedResponse:
		return "unexpected response"
	}
	return "unknown"
}

// CommandError is a protocol level failure of one command
type CommandError struct {
	Kind     ErrorKind
	Command  string
	Echo     string
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("iseg: %s issuing %q (echo %q, response %q)", e.Kind, e.Command, e.Echo, e.Response)
}

// Status is the channel status word, without the "S1=" prefix
type Status string

const (
	StatusOn       Status = "ON"
	StatusOff      Status = "OFF"
	StatusManual   Status = "MAN"
	StatusErr      Status = "ERR"
	StatusInhibit  Status = "INH"
	StatusQuality  Status = "QUA"
	StatusRampUp   Status = "L2H"
	StatusRampDown Status = "H2L"
	StatusLimit    Status = "LAS"
	StatusTrip     Status = "TRP"
)

// Ramping is true while the module is moving toward its set voltage
func (s Status) Ramping() bool {
	return s == StatusRampUp || s == StatusRampDown
}

// OK is true when the output is on and under remote control
func (s Status) OK() bool {
	return s == StatusOn || s.Ramping()
}

// ParseStatus parses a status line like "S1=ON "
func ParseStatus(line string) Status {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '='); i >= 0 {
		line = line[i+1:]
	}
	return Status(strings.TrimSpace(line))
}

// StatusError is returned when the module is in a state that is not OK
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return "iseg: module status " + string(e.Status)
}

// SystemInfo is the response to the '#' query
type SystemInfo struct {
	Serial     string  `json:"serial"`
	Firmware   string  `json:"firmware"`
	MaxVoltage float64 `json:"maxVoltage"` // volts
	MaxCurrent float64 `json:"maxCurrent"` // amps
}

var unitScale = []struct {
	suffix string
	scale  float64
}{
	{"mA", 1e-3},
	{"uA", 1e-6},
	{"nA", 1e-9},
	{"A", 1},
	{"kV", 1e3},
	{"V", 1},
}

// parseQuantity strips a unit suffix and scales to base units
func parseQuantity(s string) (float64, error) {
	s = strings.TrimSpace(s)
	scale := 1.
	for _, u := range unitScale {
		if strings.HasSuffix(s, u.suffix) {
			s, scale = strings.TrimSuffix(s, u.suffix), u.scale
			break
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return f * scale, nil
}

// ParseSystemInfo parses a "serial;firmware;Vmax;Imax" line
func ParseSystemInfo(line string) (SystemInfo, error) {
	var info SystemInfo
	fields := strings.Split(strings.TrimSpace(line), ";")
	if len(fields) != 4 {
		return info, fmt.Errorf("%w: %q", ErrPortMisconfigured, line)
	}
	info.Serial = strings.TrimSpace(fields[0])
	info.Firmware = strings.TrimSpace(fields[1])
	var err error
	if info.MaxVoltage, err = parseQuantity(fields[2]); err != nil {
		return info, fmt.Errorf("iseg: max voltage %q: %w", fields[2], err)
	}
	if info.MaxCurrent, err = parseQuantity(fields[3]); err != nil {
		return info, fmt.Errorf("iseg: max current %q: %w", fields[3], err)
	}
	return info, nil
}

// ParseCurrent parses the I1 format, a four digit mantissa followed by a
// signed exponent, e.g. "1234-5" is 1234e-5 A
func ParseCurrent(resp string) (float64, error) {
	resp = strings.TrimSpace(resp)
	if len(resp) < 5 {
		return 0, fmt.Errorf("iseg: malformed current %q", resp)
	}
	mant, err := strconv.ParseFloat(resp[:4], 64)
	if err != nil {
		return 0, fmt.Errorf("iseg: malformed current %q: %w", resp, err)
	}
	exp, err := strconv.Atoi(resp[4:])
	if err != nil {
		return 0, fmt.Errorf("iseg: malformed current %q: %w", resp, err)
	}
	return mant * math.Pow10(exp), nil
}

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// NHQ is an iseg NHQ module
type NHQ struct {
	pool *comm.Pool

	// CharDelay spaces written characters
	CharDelay time.Duration

	// Timeout bounds each line read
	Timeout time.Duration

	// Log receives command failures.  The zero value discards them.
	Log zerolog.Logger

	mu sync.Mutex
}

// NewNHQ creates an NHQ on a serial port, or on a terminal server if
// isSerial is false
func NewNHQ(addr string, isSerial bool) *NHQ {
	var conf *serial.Config
	if isSerial {
		conf = makeSerConf(addr)
	}
	return NewNHQOnPool(comm.NewPool(1, time.Hour, comm.MakerFor(addr, conf, 3*time.Second)))
}

// NewNHQOnPool creates an NHQ that talks over an existing pool
func NewNHQOnPool(pool *comm.Pool) *NHQ {
	return &NHQ{pool: pool, CharDelay: CharDelay, Timeout: 3 * time.Second}
}

// Open creates an NHQ and checks the port is connected to one
func Open(addr string, isSerial bool) (*NHQ, SystemInfo, error) {
	n := NewNHQ(addr, isSerial)
	info, err := n.SystemInfo(context.Background())
	if err != nil {
		n.pool.Close()
		return nil, info, err
	}
	return n, info, nil
}

// Close releases the connection
func (n *NHQ) Close() error {
	return n.pool.Close()
}

func (n *NHQ) transact(ctx context.Context, cmd string) (echo, resp string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn, err := n.pool.Get()
	if err != nil {
		return "", "", err
	}
	defer func() { n.pool.ReturnWithError(conn, err) }()
	rw, err := comm.NewTimeout(comm.NewTerminator(comm.NewPaced(ctx, conn, n.CharDelay), '\n', '\n'), n.Timeout)
	if err != nil {
		return "", "", err
	}
	if _, err = rw.Write([]byte(cmd + "\r")); err != nil {
		return "", "", err
	}
	line, err := rw.ReadLine()
	if err != nil {
		return "", "", err
	}
	echo = strings.TrimSpace(string(line))
	line, err = rw.ReadLine()
	if err != nil {
		return echo, "", err
	}
	return echo, strings.TrimSpace(string(line)), nil
}

func (n *NHQ) check(cmd, echo, resp string) error {
	var kind ErrorKind
	switch {
	case strings.Contains(echo, "?") || strings.Contains(resp, "?"):
		kind = Rejected
	case echo != cmd:
		kind = EchoMismatch
	default:
		return nil
	}
	err := &CommandError{Kind: kind, Command: cmd, Echo: echo, Response: resp}
	n.Log.Error().Err(err).Msg("iseg command failed")
	return err
}

func (n *NHQ) readCommand(ctx context.Context, cmd string) (string, error) {
	echo, resp, err := n.transact(ctx, cmd)
	if err != nil {
		return "", err
	}
	if err := n.check(cmd, echo, resp); err != nil {
		return "", err
	}
	return resp, nil
}

func (n *NHQ) writeCommand(ctx context.Context, cmd string) error {
	echo, resp, err := n.transact(ctx, cmd)
	if err != nil {
		return err
	}
	if err := n.check(cmd, echo, resp); err != nil {
		return err
	}
	if resp != "" {
		err := &CommandError{Kind: UnexpectedResponse, Command: cmd, Echo: echo, Response: resp}
		n.Log.Error().Err(err).Msg("iseg command failed")
		return err
	}
	return nil
}

// SystemInfo queries the serial number, firmware and output ratings
func (n *NHQ) SystemInfo(ctx context.Context) (SystemInfo, error) {
	resp, err := n.readCommand(ctx, "#")
	if err != nil {
		return SystemInfo{}, err
	}
	return ParseSystemInfo(resp)
}

// ActualVoltage returns the measured output voltage
func (n *NHQ) ActualVoltage(ctx context.Context) (int, error) {
	resp, err := n.readCommand(ctx, "U1")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// ActualCurrent returns the measured output current in amps
func (n *NHQ) ActualCurrent(ctx context.Context) (float64, error) {
	resp, err := n.readCommand(ctx, "I1")
	if err != nil {
		return 0, err
	}
	return ParseCurrent(resp)
}

func (n *NHQ) limit(ctx context.Context, cmd string, ofMax func(SystemInfo) float64) (float64, error) {
	resp, err := n.readCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	pct, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("iseg: %s response %q: %w", cmd, resp, err)
	}
	info, err := n.SystemInfo(ctx)
	if err != nil {
		return 0, err
	}
	return pct * ofMax(info) / 100, nil
}

// VoltageLimit returns the front panel voltage limit in volts
func (n *NHQ) VoltageLimit(ctx context.Context) (float64, error) {
	return n.limit(ctx, "M1", func(i SystemInfo) float64 { return i.MaxVoltage })
}

// CurrentLimit returns the front panel current limit in amps
func (n *NHQ) CurrentLimit(ctx context.Context) (float64, error) {
	return n.limit(ctx, "N1", func(i SystemInfo) float64 { return i.MaxCurrent })
}

// SetVoltage reads back the stored target voltage
func (n *NHQ) SetVoltage(ctx context.Context) (int, error) {
	resp, err := n.readCommand(ctx, "D1")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// SetSetVoltage stores a target voltage.  The output does not move until
// StartRamp.
func (n *NHQ) SetSetVoltage(ctx context.Context, v int) error {
	if v < 0 || v > MaxSetVoltage {
		return fmt.Errorf("iseg: set voltage %d outside [0, %d]", v, MaxSetVoltage)
	}
	return n.writeCommand(ctx, fmt.Sprintf("D1=%04d", v))
}

// RampSpeed returns the ramp speed in V/s
func (n *NHQ) RampSpeed(ctx context.Context) (int, error) {
	resp, err := n.readCommand(ctx, "V1")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// SetRampSpeed sets the ramp speed in V/s
func (n *NHQ) SetRampSpeed(ctx context.Context, s int) error {
	if s < MinRampSpeed || s > MaxRampSpeed {
		return fmt.Errorf("iseg: ramp speed %d outside [%d, %d]", s, MinRampSpeed, MaxRampSpeed)
	}
	return n.writeCommand(ctx, fmt.Sprintf("V1=%03d", s))
}

// Status queries the channel status
func (n *NHQ) Status(ctx context.Context) (Status, error) {
	resp, err := n.readCommand(ctx, "S1")
	if err != nil {
		return "", err
	}
	return ParseStatus(resp), nil
}

// StartRamp starts the ramp to the stored set voltage and returns the
// status it reports
func (n *NHQ) StartRamp(ctx context.Context) (Status, error) {
	resp, err := n.readCommand(ctx, "G1")
	if err != nil {
		return "", err
	}
	return ParseStatus(resp), nil
}

// WaitRamped polls the status every poll until the module stops ramping
// and returns the final status
func (n *NHQ) WaitRamped(ctx context.Context, poll time.Duration) (Status, error) {
	for {
		st, err := n.Status(ctx)
		if err != nil || !st.Ramping() {
			return st, err
		}
		n.Log.Debug().Str("status", string(st)).Msg("waiting for ramp")
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// RampTo stores v and speed, starts the ramp and checks the module
// accepted it.  It does not wait for the ramp to finish.
func (n *NHQ) RampTo(ctx context.Context, v, speed int) (Status, error) {
	if err := n.SetSetVoltage(ctx, v); err != nil {
		return "", err
	}
	if err := n.SetRampSpeed(ctx, speed); err != nil {
		return "", err
	}
	st, err := n.StartRamp(ctx)
	if err != nil {
		return st, err
	}
	if !st.OK() {
		return st, &StatusError{Status: st}
	}
	n.Log.Info().Int("target", v).Int("speed", speed).Str("status", string(st)).Msg("ramp started")
	return st, nil
}

// Off stores a zero set voltage and starts the ramp down
func (n *NHQ) Off(ctx context.Context) (Status, error) {
	if err := n.SetSetVoltage(ctx, 0); err != nil {
		return "", err
	}
	return n.StartRamp(ctx)
}
