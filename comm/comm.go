/*Package comm provides the transport layer shared by the bench instruments.

Instruments are reached over RS-232 (directly or through a terminal server on
TCP) and hold at most a handful of connections.  A Pool owns those
connections, opening them on demand with exponential backoff and closing them
after a period of disuse.  Drivers wrap the raw connection for each
transaction:

	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap, err := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), 5*time.Second)
	...
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

func withBackoff(addr string, open CreationFunc) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn       io.ReadWriteCloser
			wasTimeout bool
		)
		op := func() error {
			c, err := open()
			if err != nil {
				// refused and missing ports will not fix themselves by waiting
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") || strings.Contains(errS, "no such") {
					return nil
				}
				wasTimeout = true
				return err
			}
			wasTimeout = false
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if conn != nil {
			return conn, nil
		}
		if wasTimeout {
			return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
		}
		// one last attempt to surface the permanent error
		return open()
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying
// with exponential backoff for up to a few seconds
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return withBackoff(addr, func() (io.ReadWriteCloser, error) {
		return TCPSetup(addr, timeout)
	})
}

// SerialConnMaker returns a CreationFunc that opens the serial port described
// by conf, retrying with exponential backoff
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return withBackoff(conf.Name, func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	})
}

// MakerFor returns a serial maker if conf is not nil, otherwise a TCP maker
// for addr.  Terminal servers (e.g. a Digi portserver) present RS-232 ports
// as TCP sockets and use the TCP path.
func MakerFor(addr string, conf *serial.Config, timeout time.Duration) CreationFunc {
	if conf != nil {
		if conf.Name == "" {
			conf.Name = addr
		}
		return SerialConnMaker(conf)
	}
	return BackingOffTCPConnMaker(addr, timeout)
}

// IsTimeout returns true if err is a network or serial timeout
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, ErrTerminatorNotFound)
}
