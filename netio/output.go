package netio

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/ipc"
)

// ErrProtocol reports a request the stack should never have sent.
var ErrProtocol = errors.New("protocol violation")

// Output transmits the frames the network stack sends as OUTPUT requests.
type Output struct {
	NIC      Transmitter
	Endpoint *ipc.Endpoint
	// Stack is the only process requests are accepted from.
	Stack ipc.ProcID
	// MaxFragment bounds the bytes queued per descriptor. Zero selects
	// e1000.TxBufferSize.
	MaxFragment int

	Yield   func()
	Log     *logrus.Logger
	Metrics *Metrics
}

// Run loops until ctx is canceled or an unexpected error occurs.
//
// Requests from other processes or with another tag are dropped. A
// payload longer than MaxFragment is split across consecutive
// descriptors, in order.
func (out *Output) Run(ctx context.Context) error {
	yield, l, m := orDefaults(out.Yield, out.Log, out.Metrics)
	maxFrag := out.MaxFragment
	if maxFrag <= 0 {
		maxFrag = e1000.TxBufferSize
	}
	txFrames := m.Frames.WithLabelValues(DirectionTx)
	txBytes := m.Bytes.WithLabelValues(DirectionTx)
	ringFull := m.Yields.WithLabelValues(YieldRingFull)

	for {
		msg, err := out.Endpoint.Recv(ctx)
		if err != nil {
			return err
		}

		if reason := out.reject(msg); reason != "" {
			m.Discarded.WithLabelValues(reason).Inc()
			if l.Level >= logrus.DebugLevel {
				l.WithFields(logrus.Fields{
					"from":   msg.From,
					"tag":    msg.Tag.String(),
					"reason": reason,
				}).Debug("output: discarding request")
			}
			if err := out.Endpoint.Unmap(msg.Page); err != nil {
				return fmt.Errorf("output: %w", err)
			}
			continue
		}

		payload, err := msg.Page.Packet().Bytes()
		if err != nil {
			return fmt.Errorf("output: %w: %w", ErrProtocol, err)
		}

		for off := 0; off < len(payload); off += maxFrag {
			frag := payload[off:min(off+maxFrag, len(payload))]
			for {
				err := out.NIC.Transmit(frag)
				if err == nil {
					break
				}
				if !errors.Is(err, e1000.ErrRingFull) {
					return fmt.Errorf("output: transmitting: %w", err)
				}
				if err := ctx.Err(); err != nil {
					return errors.Join(err, out.Endpoint.Unmap(msg.Page))
				}
				ringFull.Inc()
				yield()
			}
			m.Fragments.Inc()
		}
		txFrames.Inc()
		txBytes.Add(float64(len(payload)))

		if err := out.Endpoint.Unmap(msg.Page); err != nil {
			return fmt.Errorf("output: %w", err)
		}
	}
}

func (out *Output) reject(msg ipc.Message) string {
	switch {
	case msg.From != out.Stack:
		return DiscardSender
	case msg.Tag != ipc.TagOutput:
		return DiscardTag
	}
	return ""
}
