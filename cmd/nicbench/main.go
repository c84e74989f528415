// Command nicbench pushes frames through the complete loopback path (output
// daemon, driver, device model, driver, input daemon) and reports
// throughput and loss.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nicring/e1000"
	"github.com/romshark/nicring/e1000/e1000sim"
	"github.com/romshark/nicring/ipc"
	"github.com/romshark/nicring/netio"
	"github.com/romshark/nicring/peer"
	"github.com/romshark/nicring/physmem"
	"github.com/romshark/nicring/ratelimit"
	"github.com/romshark/nicring/ringstat"
)

type Config struct {
	Count     uint64 `yaml:"count"`
	FrameSize int    `yaml:"frame-size"`
	RateFPS   uint64 `yaml:"rate-fps"`

	Driver struct {
		TxRing int `yaml:"tx-ring"`
		RxRing int `yaml:"rx-ring"`
	} `yaml:"driver"`

	Flow struct {
		SrcIP   string `yaml:"src-ip"`
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
	} `yaml:"flow"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "nicbench.yaml", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "frame count")
	fFrameSize := flag.Int("l", 0, "frame size")
	fRate := flag.Uint64("r", 0, "frames per second (0 = unlimited)")
	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fFrameSize != 0 {
		conf.FrameSize = *fFrameSize
	}
	if *fRate != 0 {
		conf.RateFPS = *fRate
	}

	// Validate

	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.FrameSize < peer.MinFrameSize || conf.FrameSize > e1000.TxBufferSize {
		return nil, fmt.Errorf("frame-size must be between %d-%d", peer.MinFrameSize, e1000.TxBufferSize)
	}
	if net.ParseIP(conf.Flow.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid flow.src-ip %q", conf.Flow.SrcIP)
	}
	if net.ParseIP(conf.Flow.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid flow.dst-ip %q", conf.Flow.DstIP)
	}
	if conf.Flow.SrcPort <= 0 || conf.Flow.SrcPort > 65535 {
		return nil, errors.New("flow.src-port must be between 1-65535")
	}
	if conf.Flow.DstPort <= 0 || conf.Flow.DstPort > 65535 {
		return nil, errors.New("flow.dst-port must be between 1-65535")
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)

	drvConf := e1000.Config{TxRingLen: conf.Driver.TxRing, RxRingLen: conf.Driver.RxRing}
	fatalIf(drvConf.ValidateAndSetDefaults(), "driver config")
	mem := physmem.NewArena(2+(drvConf.TxRingLen+drvConf.RxRingLen)/2, 0)
	dev := e1000sim.New(mem, l)
	drv, err := e1000.New(drvConf, mem, l)
	fatalIf(err, "creating driver")
	fatalIf(drv.Attach(dev), "attaching driver")

	bus := ipc.NewBus(physmem.NewArena(64, 0), l)
	eps := make([]*ipc.Endpoint, 3)
	for i := range eps {
		eps[i], err = bus.Register(ipc.ProcID(i + 1))
		fatalIf(err, "registering process %d", i+1)
	}
	stack, inputEP, outputEP := eps[0], eps[1], eps[2]

	reg := prometheus.NewRegistry()
	metrics := netio.NewMetrics(reg)

	sink := &peer.Sink{Endpoint: stack, Input: inputEP.ID(), Log: l}
	source := &peer.Source{
		Endpoint: stack,
		Output:   outputEP.ID(),
		Flow: peer.Flow{
			SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:  drv.MAC(),
			SrcIP:   net.ParseIP(conf.Flow.SrcIP),
			DstIP:   net.ParseIP(conf.Flow.DstIP),
			SrcPort: uint16(conf.Flow.SrcPort),
			DstPort: uint16(conf.Flow.DstPort),
		},
		FrameSize: conf.FrameSize,
		Count:     conf.Count,
		Throttle:  ratelimit.New(conf.RateFPS),
		Log:       l,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dev.RunLoopback(gctx, nil) })
	g.Go(func() error {
		return (&netio.Input{NIC: drv, Endpoint: inputEP, Stack: stack.ID(), Log: l, Metrics: metrics}).Run(gctx)
	})
	g.Go(func() error {
		return (&netio.Output{NIC: drv, Endpoint: outputEP, Stack: stack.ID(), Log: l, Metrics: metrics}).Run(gctx)
	})
	g.Go(func() error { return sink.Run(gctx) })

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var last peer.SinkStats
		var lastTx uint64
		lastTime := time.Now()
		for {
			select {
			case <-gctx.Done():
				return
			case now := <-t.C:
				dt := now.Sub(lastTime).Seconds()
				lastTime = now

				tx := source.Sent()
				st := sink.Stats()
				txFPS := uint64(float64(tx-lastTx) / dt)
				rxFPS := uint64(float64(st.Frames-last.Frames) / dt)
				rxMbps := float64((st.Bytes-last.Bytes)*8) / 1e6 / dt
				last, lastTx = st, tx

				fmt.Printf("TX=%d RX=%d TX-FPS=%d RX-FPS=%d RX-Mbps=%.1f\n",
					tx, st.Frames, txFPS, rxFPS, rxMbps)
			}
		}
	}()

	before, err := ringstat.Snapshot(reg)
	fatalIf(err, "reading counters")

	start := time.Now()
	fatalIf(source.Run(gctx), "running source")
	elapsed := time.Since(start).Seconds()

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for delivery...\n", d)
		time.Sleep(d) // Wait for the last frames to loop back.
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "running daemons")
	}

	after, err := ringstat.Snapshot(reg)
	fatalIf(err, "reading counters")
	fmt.Fprintf(os.Stderr, "\nCOUNTERS:\n")
	fatalIf(ringstat.Print(os.Stderr, after.Since(before)), "printing counters")

	txFrames := source.Sent()
	st := sink.Stats()
	devStats := dev.Stats()
	drops, dropPct := loss(txFrames, st.Frames)

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d frames\n", txFrames)
	p.Printf(" RX:                %d frames\n", st.Frames)
	p.Printf(" TX Avg FPS:        %d\n", uint64(float64(txFrames)/elapsed))
	p.Printf(" RX Avg FPS:        %d\n", uint64(float64(st.Frames)/elapsed))
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(st.Bytes*8)/1e6/elapsed)
	p.Printf(" Device overruns:   %d\n", devStats.RxOverruns)
	p.Printf(" Out of order:      %d\n", st.OutOfOrder)
	p.Printf(" Dropped:           %d (%.4f%%)\n", drops, dropPct)
}

// loss returns how many of tx frames never arrived and their share in
// percent. Receiving more than was sent counts as no loss.
func loss(tx, rx uint64) (uint64, float64) {
	if tx == 0 || rx >= tx {
		return 0, 0
	}
	d := tx - rx
	return d, float64(d) / float64(tx) * 100
}
