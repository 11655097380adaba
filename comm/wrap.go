package comm

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

type deadliner interface {
	SetDeadline(time.Time) error
}

func setDeadline(rw interface{}, t time.Time) error {
	if d, ok := rw.(deadliner); ok {
		return d.SetDeadline(t)
	}
	return nil
}

// Terminator appends a transmit terminator to every write and reads up to
// a receive terminator.  Bytes are read one at a time so nothing after the
// terminator is consumed from the underlying connection.
type Terminator struct {
	rw     io.ReadWriter
	tx, rx byte
}

// NewTerminator wraps rw with tx and rx termination bytes
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, tx: tx, rx: rx}
}

// Write sends p followed by the transmit terminator
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read fills p until the receive terminator is seen.  The terminator is not
// copied into p.  If p fills before the terminator arrives, io.ErrShortBuffer
// is returned with the partial data.
func (t *Terminator) Read(p []byte) (int, error) {
	var (
		one = make([]byte, 1)
		n   int
	)
	for n < len(p) {
		k, err := t.rw.Read(one)
		if k == 0 {
			if err == nil {
				// a serial read timeout yields no bytes and no error
				return n, ErrTerminatorNotFound
			}
			return n, err
		}
		if one[0] == t.rx {
			return n, nil
		}
		p[n] = one[0]
		n++
		if err != nil {
			return n, err
		}
	}
	return n, io.ErrShortBuffer
}

// ReadLine reads one terminated line of any length
func (t *Terminator) ReadLine() ([]byte, error) {
	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := t.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.ErrShortBuffer {
			continue
		}
		return out, err
	}
}

// SetDeadline forwards to the underlying connection if it supports deadlines
func (t *Terminator) SetDeadline(tm time.Time) error {
	return setDeadline(t.rw, tm)
}

// Timeout refreshes a deadline on the underlying connection before every
// read and write.  Connections without deadlines (serial ports, which carry
// their own ReadTimeout) pass through unchanged.
type Timeout struct {
	io.ReadWriter
	d time.Duration
}

// NewTimeout wraps rw so each operation must complete within d
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	t := &Timeout{ReadWriter: rw, d: d}
	return t, setDeadline(rw, time.Now().Add(d))
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := setDeadline(t.ReadWriter, time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.ReadWriter.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := setDeadline(t.ReadWriter, time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.ReadWriter.Write(p)
}

// ReadLine reads a line if the wrapped ReadWriter is a Terminator
func (t *Timeout) ReadLine() ([]byte, error) {
	if err := setDeadline(t.ReadWriter, time.Now().Add(t.d)); err != nil {
		return nil, err
	}
	if lr, ok := t.ReadWriter.(interface{ ReadLine() ([]byte, error) }); ok {
		return lr.ReadLine()
	}
	buf := make([]byte, 4096)
	n, err := t.ReadWriter.Read(buf)
	return buf[:n], err
}

// Paced writes one byte at a time, waiting on a rate limiter between bytes.
// Some instruments drop characters that arrive faster than their firmware
// polls the UART.
type Paced struct {
	rw  io.ReadWriter
	lim *rate.Limiter
	ctx context.Context
}

// NewPaced wraps rw so that writes emit at most one byte per every
func NewPaced(ctx context.Context, rw io.ReadWriter, every time.Duration) *Paced {
	return &Paced{rw: rw, lim: rate.NewLimiter(rate.Every(every), 1), ctx: ctx}
}

func (p *Paced) Write(b []byte) (int, error) {
	for i := range b {
		if err := p.lim.Wait(p.ctx); err != nil {
			return i, err
		}
		if _, err := p.rw.Write(b[i : i+1]); err != nil {
			return i, err
		}
	}
	return len(b), nil
}

func (p *Paced) Read(b []byte) (int, error) {
	return p.rw.Read(b)
}

// SetDeadline forwards to the underlying connection if it supports deadlines
func (p *Paced) SetDeadline(tm time.Time) error {
	return setDeadline(p.rw, tm)
}
