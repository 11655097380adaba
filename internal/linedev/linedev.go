// Package linedev provides an in-memory line-oriented instrument for tests.
// It sits on the far side of a net.Pipe and answers each received line with
// whatever lines its Handler returns.
package linedev

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mppcqc/benchlab/comm"
)

// Handler maps one received line (terminator stripped) to the lines to send back
type Handler func(line string) []string

// Device records every line it receives
type Device struct {
	// RxTerm terminates received lines, TxTerm is appended to replies
	RxTerm byte
	TxTerm string

	// Echo sends each received line back before the handler's reply
	Echo bool

	handler Handler

	mu    sync.Mutex
	lines []string
}

// New creates a device with '\n' terminators in both directions
func New(h Handler) *Device {
	return &Device{RxTerm: '\n', TxTerm: "\n", handler: h}
}

// Lines returns a copy of every line received so far
func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Reset forgets the recorded lines
func (d *Device) Reset() {
	d.mu.Lock()
	d.lines = nil
	d.mu.Unlock()
}

// Dial returns the client side of a new connection to the device
func (d *Device) Dial() (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	go d.serve(server)
	return client, nil
}

// Pool returns a single-connection pool whose connections dial the device
func (d *Device) Pool() *comm.Pool {
	return comm.NewPool(1, time.Minute, d.Dial)
}

func (d *Device) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString(d.RxTerm)
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		d.mu.Lock()
		d.lines = append(d.lines, line)
		d.mu.Unlock()
		var out strings.Builder
		if d.Echo {
			out.WriteString(line + d.TxTerm)
		}
		for _, reply := range d.handler(line) {
			out.WriteString(reply + d.TxTerm)
		}
		if out.Len() > 0 {
			if _, err := io.WriteString(conn, out.String()); err != nil {
				return
			}
		}
	}
}
