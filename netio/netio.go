// Package netio runs the two daemons that sit between the e1000 driver and
// the network-stack process: Input moves received frames into pages sent to
// the stack, Output transmits the pages the stack sends back.
//
// Both daemons poll. When the driver has nothing to give (or no room to
// take) they yield and try again; they never sleep or block in the driver.
package netio

import (
	"runtime"

	"github.com/sirupsen/logrus"
)

// Receiver is the receive side of a driver, see e1000.Driver.Receive.
type Receiver interface {
	Receive(buf []byte) (int, error)
}

// Transmitter is the transmit side of a driver, see e1000.Driver.Transmit.
type Transmitter interface {
	Transmit(frame []byte) error
}

// Yield gives up the processor while a daemon waits on a ring.
var Yield = runtime.Gosched

func orDefaults(yield func(), l *logrus.Logger, m *Metrics) (func(), *logrus.Logger, *Metrics) {
	if yield == nil {
		yield = Yield
	}
	if l == nil {
		l = logrus.StandardLogger()
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return yield, l, m
}
