package netio

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/ipc"
)

// Input forwards every received frame to the network stack.
type Input struct {
	NIC      Receiver
	Endpoint *ipc.Endpoint
	// Stack is the process INPUT pages are sent to.
	Stack ipc.ProcID

	Yield   func()
	Log     *logrus.Logger
	Metrics *Metrics
}

// Run loops until ctx is canceled or an unexpected error occurs.
//
// Each frame gets its own page: once sent, a page is unmapped and never
// written again, since the stack may still be reading it.
func (in *Input) Run(ctx context.Context) error {
	yield, l, m := orDefaults(in.Yield, in.Log, in.Metrics)
	rxFrames := m.Frames.WithLabelValues(DirectionRx)
	rxBytes := m.Bytes.WithLabelValues(DirectionRx)
	noData := m.Yields.WithLabelValues(YieldNoData)

	page, err := in.Endpoint.AllocPage()
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}

	for {
		pkt := page.Packet()
		// The driver never produces more than one receive buffer.
		buf := pkt.Payload()[:e1000.RxBufferSize]

		var n int
		for {
			if err := ctx.Err(); err != nil {
				return errors.Join(err, in.Endpoint.Unmap(page))
			}
			n, err = in.NIC.Receive(buf)
			if err == nil {
				break
			}
			if !errors.Is(err, e1000.ErrNoData) {
				return fmt.Errorf("input: receiving: %w", err)
			}
			noData.Inc()
			yield()
		}
		pkt.SetLen(n)

		if l.Level >= logrus.DebugLevel {
			l.WithFields(logrus.Fields{"len": n, "page": page.Phys().String()}).
				Debug("input: forwarding frame")
		}
		err = in.Endpoint.Send(ctx, in.Stack, ipc.TagInput, page, ipc.PermRW)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Join(ctx.Err(), in.Endpoint.Unmap(page))
			}
			return fmt.Errorf("input: sending to %d: %w", in.Stack, err)
		}
		rxFrames.Inc()
		rxBytes.Add(float64(n))

		if err := in.Endpoint.Unmap(page); err != nil {
			return fmt.Errorf("input: %w", err)
		}
		if page, err = in.Endpoint.AllocPage(); err != nil {
			return fmt.Errorf("input: %w", err)
		}
	}
}
