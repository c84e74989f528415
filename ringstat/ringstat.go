// Package ringstat reads the daemon counters back out of a prometheus
// registry so commands can print before/after deltas.
package ringstat

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type Counter int

const (
	TxFrames Counter = iota
	TxBytes
	RxFrames
	RxBytes
	TxFragments
	TxRingFull
	RxNoData
	DiscardedSender
	DiscardedTag
)

// Counters lists every Counter in print order.
var Counters = []Counter{
	TxFrames, TxBytes, RxFrames, RxBytes,
	TxFragments, TxRingFull, RxNoData, DiscardedSender, DiscardedTag,
}

type source struct {
	metric     string
	label, val string
}

var sources = map[Counter]source{
	TxFrames:        {"nicring_frames_total", "direction", "tx"},
	TxBytes:         {"nicring_bytes_total", "direction", "tx"},
	RxFrames:        {"nicring_frames_total", "direction", "rx"},
	RxBytes:         {"nicring_bytes_total", "direction", "rx"},
	TxFragments:     {"nicring_tx_fragments_total", "", ""},
	TxRingFull:      {"nicring_yields_total", "reason", "ring_full"},
	RxNoData:        {"nicring_yields_total", "reason", "no_data"},
	DiscardedSender: {"nicring_discarded_total", "reason", "sender"},
	DiscardedTag:    {"nicring_discarded_total", "reason", "tag"},
}

func (c Counter) String() string {
	s, ok := sources[c]
	if !ok {
		return ""
	}
	if s.label == "" {
		return s.metric
	}
	return fmt.Sprintf("%s{%s=%q}", s.metric, s.label, s.val)
}

// Stats holds counter values.
type Stats map[Counter]uint64

// Snapshot gathers g and returns the current value of every Counter.
// Counters that were never incremented read as zero.
func Snapshot(g prometheus.Gatherer) (Stats, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	s := make(Stats, len(Counters))
	for _, c := range Counters {
		src := sources[c]
		s[c] = 0
		f, ok := byName[src.metric]
		if !ok {
			continue
		}
		for _, m := range f.GetMetric() {
			if src.label != "" && labelValue(m, src.label) != src.val {
				continue
			}
			s[c] += uint64(m.GetCounter().GetValue())
		}
	}
	return s, nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats, len(s))
	for c, v := range s {
		out[c] = v - old[c]
	}
	return out
}

func Print(w io.Writer, s Stats) error {
	for _, dir := range []struct {
		name          string
		frames, bytes Counter
	}{
		{"TX", TxFrames, TxBytes},
		{"RX", RxFrames, RxBytes},
	} {
		b := s[dir.bytes]
		if _, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)\n",
			dir.name, s[dir.frames], humanize.Bytes(b), humanize.Comma(int64(b)),
		); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w,
		"  fragments %s, ring full %s, no data %s, discarded %s\n",
		humanize.Comma(int64(s[TxFragments])),
		humanize.Comma(int64(s[TxRingFull])),
		humanize.Comma(int64(s[RxNoData])),
		humanize.Comma(int64(s[DiscardedSender]+s[DiscardedTag])),
	)
	return err
}
