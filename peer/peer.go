// Package peer stands in for the network stack process: Source feeds the
// output daemon with generated UDP frames and Sink consumes what the input
// daemon delivers.
package peer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/romshark/nicring/ipc"
	"github.com/romshark/nicring/ratelimit"
)

// Source sends OUTPUT requests carrying generated frames.
type Source struct {
	Endpoint *ipc.Endpoint
	// Output is the output daemon's process.
	Output    ipc.ProcID
	Flow      Flow
	FrameSize int
	// Count stops the source after that many frames; zero runs until ctx
	// is canceled.
	Count    uint64
	Throttle *ratelimit.Throttle
	Log      *logrus.Logger

	sent atomic.Uint64
}

// Sent returns the number of frames handed to the output daemon.
func (s *Source) Sent() uint64 { return s.sent.Load() }

// Run sends frames until Count is reached or ctx is canceled.
func (s *Source) Run(ctx context.Context) error {
	l := s.Log
	if l == nil {
		l = logrus.StandardLogger()
	}

	for seq := uint64(0); s.Count == 0 || seq < s.Count; seq++ {
		if err := s.Throttle.Wait(ctx, 1); err != nil {
			return err
		}

		frame, err := BuildUDPFrame(s.Flow, uint32(seq), s.FrameSize)
		if err != nil {
			return err
		}
		if len(frame) > ipc.MaxPacketLen {
			return fmt.Errorf("frame of %d bytes does not fit a page", len(frame))
		}

		page, err := s.Endpoint.AllocPage()
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		pkt := page.Packet()
		pkt.SetLen(copy(pkt.Payload(), frame))

		if err := s.Endpoint.Send(ctx, s.Output, ipc.TagOutput, page, ipc.PermRead); err != nil {
			_ = s.Endpoint.Unmap(page)
			return err
		}
		if err := s.Endpoint.Unmap(page); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		s.sent.Add(1)
	}

	l.WithField("frames", s.sent.Load()).Info("source done")
	return nil
}

// SinkStats are counters kept by Sink.
type SinkStats struct {
	Frames     uint64
	Bytes      uint64
	Undecoded  uint64
	OutOfOrder uint64
	Discarded  uint64
}

// Sink consumes INPUT requests.
type Sink struct {
	Endpoint *ipc.Endpoint
	// Input is the input daemon's process; pages from anyone else are
	// discarded.
	Input ipc.ProcID
	// OnFrame, if set, is called with every decoded frame.
	OnFrame func(Frame)
	Log     *logrus.Logger

	frames, bytes, undecoded, outOfOrder, discarded atomic.Uint64

	lastSeq uint32
	seen    bool
}

// Stats returns a copy of the sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Frames:     s.frames.Load(),
		Bytes:      s.bytes.Load(),
		Undecoded:  s.undecoded.Load(),
		OutOfOrder: s.outOfOrder.Load(),
		Discarded:  s.discarded.Load(),
	}
}

// Run consumes frames until ctx is canceled.
func (s *Sink) Run(ctx context.Context) error {
	l := s.Log
	if l == nil {
		l = logrus.StandardLogger()
	}

	for {
		msg, err := s.Endpoint.Recv(ctx)
		if err != nil {
			return err
		}
		if err := s.consume(l, msg); err != nil {
			return err
		}
		if err := s.Endpoint.Unmap(msg.Page); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
	}
}

func (s *Sink) consume(l *logrus.Logger, msg ipc.Message) error {
	if msg.From != s.Input || msg.Tag != ipc.TagInput {
		s.discarded.Add(1)
		return nil
	}
	b, err := msg.Page.Packet().Bytes()
	if err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	s.frames.Add(1)
	s.bytes.Add(uint64(len(b)))

	f, err := DecodeUDPFrame(b)
	if err != nil {
		s.undecoded.Add(1)
		if l.Level >= logrus.DebugLevel {
			l.WithError(err).WithField("len", len(b)).Debug("sink: undecodable frame")
		}
		return nil
	}
	if s.seen && f.Seq <= s.lastSeq {
		s.outOfOrder.Add(1)
	}
	s.lastSeq, s.seen = f.Seq, true

	if l.Level >= logrus.DebugLevel {
		l.WithFields(logrus.Fields{
			"seq": f.Seq,
			"len": f.Len,
			"src": fmt.Sprintf("%v:%d", f.SrcIP, f.SrcPort),
			"dst": fmt.Sprintf("%v:%d", f.DstIP, f.DstPort),
		}).Debug("sink: frame")
	}
	if s.OnFrame != nil {
		s.OnFrame(f)
	}
	return nil
}
