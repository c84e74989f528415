//go:build linux

// Command nicd attaches the e1000 driver and runs the input and output
// daemons against a stand-in network stack.
//
// In sim mode the controller is the software model, looping every
// transmitted frame back to the receiver. In pci mode BAR0 is mapped from
// sysfs and rings live in pinned memory; this requires root and a
// controller unbound from its kernel driver.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/e1000/e1000sim"
	"github.com/romshark/nicring/ipc"
	"github.com/romshark/nicring/mmio"
	"github.com/romshark/nicring/netio"
	"github.com/romshark/nicring/peer"
	"github.com/romshark/nicring/physmem"
	"github.com/romshark/nicring/ratelimit"
	"github.com/romshark/nicring/ringstat"
)

const (
	stackID  ipc.ProcID = 1
	inputID  ipc.ProcID = 2
	outputID ipc.ProcID = 3
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// device is what the driver is attached to.
type device struct {
	regs mmio.Registers
	mem  physmem.Memory
	// sim is nil in pci mode.
	sim   *e1000sim.Controller
	close func() error
}

func openDevice(conf *Config, l *logrus.Logger) (*device, error) {
	if conf.Device.Mode == modeSim {
		mem := physmem.NewArena(conf.Device.Pages, 0)
		sim := e1000sim.New(mem, l)
		return &device{regs: sim, mem: mem, sim: sim, close: func() error { return nil }}, nil
	}

	if err := checkPCIIdentity(conf.Device.Resource); err != nil {
		return nil, err
	}
	res, err := mmio.MapResource(conf.Device.Resource, e1000.RegisterWindowSize)
	if err != nil {
		return nil, err
	}
	mem, err := physmem.NewPinned(conf.Device.Pages)
	if err != nil {
		return nil, errors.Join(err, res.Close())
	}
	return &device{
		regs:  res,
		mem:   mem,
		close: func() error { return errors.Join(res.Close(), mem.Close()) },
	}, nil
}

// checkPCIIdentity reads the vendor and device files next to a sysfs
// resource file.
func checkPCIIdentity(resource string) error {
	dir := filepath.Dir(resource)
	for _, id := range []struct {
		file string
		want uint64
	}{
		{"vendor", e1000.VendorID},
		{"device", e1000.DeviceID},
	} {
		b, err := os.ReadFile(filepath.Join(dir, id.file))
		if err != nil {
			return fmt.Errorf("reading PCI %s: %w", id.file, err)
		}
		got, err := strconv.ParseUint(strings.TrimSpace(string(b)), 0, 16)
		if err != nil {
			return fmt.Errorf("parsing PCI %s: %w", id.file, err)
		}
		if got != id.want {
			return fmt.Errorf("PCI %s is %#04x, want %#04x", id.file, got, id.want)
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, conf *Config, reg *prometheus.Registry, l *logrus.Logger) error {
	if conf.Metrics.Listen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(conf.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorLog: l}))
	srv := &http.Server{Addr: conf.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	l.Infof("Prometheus stats listening on %s at %s", conf.Metrics.Listen, conf.Metrics.Path)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func main() {
	conf, err := loadConfig(os.Args[1:])
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	l := conf.logger()

	dev, err := openDevice(conf, l)
	fatalIf(err, "opening %s device", conf.Device.Mode)
	defer func() {
		if err := dev.close(); err != nil {
			l.WithError(err).Error("closing device")
		}
	}()

	drvConf, err := conf.driverConfig()
	fatalIf(err, "driver config")
	drv, err := e1000.New(drvConf, dev.mem, l)
	fatalIf(err, "creating driver")
	fatalIf(drv.Attach(dev.regs), "attaching driver")

	bus := ipc.NewBus(physmem.NewArena(conf.IPC.Pages, 0), l)
	endpoint := func(id ipc.ProcID) *ipc.Endpoint {
		e, err := bus.Register(id)
		fatalIf(err, "registering process %d", id)
		return e
	}
	stack, inputEP, outputEP := endpoint(stackID), endpoint(inputID), endpoint(outputID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := netio.NewMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	input := &netio.Input{NIC: drv, Endpoint: inputEP, Stack: stackID, Log: l, Metrics: metrics}
	output := &netio.Output{NIC: drv, Endpoint: outputEP, Stack: stackID, Log: l, Metrics: metrics}
	sink := &peer.Sink{Endpoint: stack, Input: inputID, Log: l}
	source := &peer.Source{
		Endpoint: stack,
		Output:   outputID,
		Flow: peer.Flow{
			SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:  drv.MAC(),
			SrcIP:   net.ParseIP(conf.Source.SrcIP),
			DstIP:   net.ParseIP(conf.Source.DstIP),
			SrcPort: uint16(conf.Source.SrcPort),
			DstPort: uint16(conf.Source.DstPort),
		},
		FrameSize: conf.Source.FrameSize,
		Count:     conf.Source.Count,
		Throttle:  ratelimit.New(conf.Source.RateFPS),
		Log:       l,
	}

	if dev.sim != nil {
		g.Go(func() error { return dev.sim.RunLoopback(ctx, nil) })
	}
	g.Go(func() error { return input.Run(ctx) })
	g.Go(func() error { return output.Run(ctx) })
	g.Go(func() error { return sink.Run(ctx) })
	g.Go(func() error {
		if err := source.Run(ctx); err != nil {
			return err
		}
		if conf.Source.Count == 0 {
			return nil
		}
		// Give the last frames time to come back around, then stop.
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
		}
		stop()
		return nil
	})
	g.Go(func() error { return serveMetrics(ctx, conf, reg, l) })
	g.Go(func() error { return report(ctx, reg, sink, l) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "running")
	}

	final, err := ringstat.Snapshot(reg)
	fatalIf(err, "reading counters")
	fmt.Fprintf(os.Stderr, "\nFINAL COUNTERS:\n")
	fatalIf(ringstat.Print(os.Stderr, final), "printing counters")
	st := sink.Stats()
	fmt.Fprintf(os.Stderr, "  sink %s frames, %s, %d out of order, %d undecodable\n",
		humanize.Comma(int64(st.Frames)), humanize.Bytes(st.Bytes), st.OutOfOrder, st.Undecoded)
}

// report logs per-second deltas until ctx is done.
func report(ctx context.Context, reg prometheus.Gatherer, sink *peer.Sink, l *logrus.Logger) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	last, err := ringstat.Snapshot(reg)
	if err != nil {
		return err
	}
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			cur, err := ringstat.Snapshot(reg)
			if err != nil {
				return err
			}
			d := cur.Since(last)
			dt := now.Sub(lastTime).Seconds()
			last, lastTime = cur, now

			st := sink.Stats()
			l.WithFields(logrus.Fields{
				"tx":      cur[ringstat.TxFrames],
				"rx":      cur[ringstat.RxFrames],
				"txFPS":   uint64(float64(d[ringstat.TxFrames]) / dt),
				"rxFPS":   uint64(float64(d[ringstat.RxFrames]) / dt),
				"txMbps":  fmt.Sprintf("%.1f", float64(d[ringstat.TxBytes]*8)/1e6/dt),
				"rxMbps":  fmt.Sprintf("%.1f", float64(d[ringstat.RxBytes]*8)/1e6/dt),
				"decoded": st.Frames - st.Undecoded,
			}).Info("throughput")
		}
	}
}
