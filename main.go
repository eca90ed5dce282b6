package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vcansim/config"
	"vcansim/httpServer"
	"vcansim/internal/analyzer"
	"vcansim/internal/bus"
	"vcansim/internal/decode"
	"vcansim/internal/faults"
	"vcansim/internal/metrics"
	"vcansim/internal/node"
	"vcansim/internal/observer"
	"vcansim/internal/recorder"
	"vcansim/internal/storage"
	"vcansim/pkg/models"
)

func main() {
	log.Println("Starting vcansim...")

	// Load configuration
	cfg := config.Load()
	log.Printf("HTTP Server: %s", cfg.HTTPAddr)
	log.Printf("Bus: %s (queue size %d)", cfg.BusName, cfg.QueueSize)

	// Initialize storage
	var storageBackend storage.Storage

	if cfg.StorageType == "gcs" {
		if cfg.GCSBucketName == "" {
			log.Fatal("GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}

		ctx := context.Background()
		gcsStorage, err := storage.NewGCSStorage(ctx, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			log.Fatalf("Failed to initialize GCS storage: %v", err)
		}
		storageBackend = gcsStorage
		log.Printf("Storage initialized: GCS bucket=%s, baseDir=%s", cfg.GCSBucketName, cfg.GCSBaseDir)
	} else {
		localStorage, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			log.Fatalf("Failed to initialize local storage: %v", err)
		}
		storageBackend = localStorage
		log.Printf("Storage initialized: Local directory=%s", cfg.StorageDir)
	}

	// Initialize metrics
	m := metrics.New()
	log.Println("Prometheus metrics initialized")

	// Bus, fault injection, and the transmit path nodes use
	vbus := bus.New(cfg.BusName, cfg.QueueSize)
	injector := faults.New(vbus, cfg.RandomSeed)
	txPath := faults.NewTransmitter(injector, vbus)

	// Passive taps
	obs := observer.New(cfg.ObserverBufferSize)
	obs.Attach(vbus)

	anCfg := analyzer.DefaultConfig()
	anCfg.SaturationThreshold = cfg.SaturationThreshold
	anCfg.WindowSize = cfg.AnalysisWindow
	an := analyzer.New(anCfg)
	an.Attach(obs)
	an.AddEventCallback(func(ev analyzer.Event) {
		m.RecordAnomaly(string(ev.Type), string(ev.Severity))
		log.Printf("[%s] %s", ev.Severity, ev.Message)
	})

	obs.AddCallback("metrics", func(of models.ObservedFrame) {
		m.RecordObserved(fmt.Sprintf("0x%X", of.Frame.ID), len(of.Frame.Data))
	})

	dec := decode.NewDecoder()
	rec := recorder.New(obs)

	metered := &meteredBus{inner: txPath, metrics: m}
	player := recorder.NewPlayer(metered)
	player.AddCallback("metrics", func(models.Frame, int) {
		m.RecordReplayedFrame()
	})

	// Build the simulated nodes, either from a profile or a built-in demo
	var nodes []*node.Node
	if cfg.ProfilePath != "" {
		profile, err := config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			log.Fatalf("Failed to load profile: %v", err)
		}
		nodes = nodesFromProfile(profile, cfg.RandomSeed, an, injector)
		log.Printf("Profile loaded: %s (%d nodes)", cfg.ProfilePath, len(nodes))
	} else {
		nodes = demoNodes(cfg.RandomSeed, an, dec)
		log.Printf("No profile configured, running built-in demo (%d nodes)", len(nodes))
	}

	// Start everything
	vbus.Start()
	for _, n := range nodes {
		n.Connect(metered)
		n.Start()
	}

	// Periodic sweeps: throughput gauge, fault counters, rate anomaly checks
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.RateCheckInterval)
		defer ticker.Stop()
		var lastFaults faults.Statistics
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				m.SetFrameRate(vbus.Statistics().FramesPerSecond())
				m.SetBufferOccupied(obs.Summary().BufferedFrames)
				an.CheckMessageRates()

				fs := injector.Statistics()
				m.AddFaults("drop", fs.FramesDropped-lastFaults.FramesDropped)
				m.AddFaults("delay", fs.FramesDelayed-lastFaults.FramesDelayed)
				m.AddFaults("corrupt", fs.FramesCorrupted-lastFaults.FramesCorrupted)
				m.AddFaults("duplicate", fs.FramesDuplicated-lastFaults.FramesDuplicated)
				m.AddFaults("burst", fs.BurstsInjected-lastFaults.BurstsInjected)
				lastFaults = fs
			}
		}
	}()

	// HTTP server
	httpSrv := httpServer.New(vbus, obs, an, dec, rec, player, storageBackend, m)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := httpSrv.Run(cfg.HTTPAddr); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("vcansim started successfully")

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	close(sweepStop)
	player.Stop()
	for _, n := range nodes {
		n.Stop()
	}
	vbus.Stop()

	stats := vbus.Statistics()
	log.Printf("Bus totals: %d frames transmitted, %d bytes, %d dropped",
		stats.FramesTransmitted, stats.BytesTransmitted, stats.FramesDropped)
}

// meteredBus counts transmissions on their way into the fault-injecting
// transmit path.
type meteredBus struct {
	inner   node.Bus
	metrics *metrics.Metrics
}

func (b *meteredBus) Transmit(frame models.Frame) bool {
	ok := b.inner.Transmit(frame)
	if ok {
		b.metrics.RecordTransmit(len(frame.Data))
	} else {
		b.metrics.RecordDropped("rejected")
	}
	return ok
}

// nodesFromProfile builds nodes, expectations, and fault rules from a
// declarative profile.
func nodesFromProfile(p *config.Profile, seed int64, an *analyzer.Analyzer, injector *faults.Injector) []*node.Node {
	for _, e := range p.Expectations {
		an.SetExpectation(analyzer.Expectation{
			ID:               uint32(e.ID),
			Period:           e.Period,
			TolerancePercent: e.TolerancePercent,
			JitterThreshold:  e.JitterThreshold,
		})
	}

	for _, r := range p.FaultRules {
		ft, err := faults.ParseFaultType(r.Type)
		if err != nil {
			log.Fatalf("Profile fault rule: %v", err)
		}
		var targets map[uint32]struct{}
		if len(r.TargetIDs) > 0 {
			targets = make(map[uint32]struct{}, len(r.TargetIDs))
			for _, id := range r.TargetIDs {
				targets[uint32(id)] = struct{}{}
			}
		}
		rule := faults.Rule{
			Type:          ft,
			Probability:   r.Probability,
			TargetIDs:     targets,
			Delay:         r.Delay,
			DelayJitter:   r.DelayJitter,
			BurstCount:    r.BurstCount,
			BurstInterval: r.BurstInterval,
			Enabled:       true,
		}
		if err := injector.AddRule(rule); err != nil {
			log.Fatalf("Profile fault rule: %v", err)
		}
	}

	if p.Seed != 0 {
		seed = p.Seed
	}
	nodes := make([]*node.Node, 0, len(p.Nodes))
	for i, spec := range p.Nodes {
		n := node.New(spec.Name, node.FaultConfig{
			DropProbability: spec.Fault.DropProbability,
			Delay:           spec.Fault.Delay,
			DelayJitter:     spec.Fault.DelayJitter,
		}, seed+int64(i))
		for _, msg := range spec.Messages {
			gen, err := buildGenerator(msg.Generator, seed+int64(i))
			if err != nil {
				log.Fatalf("Profile node %s: %v", spec.Name, err)
			}
			n.AddPeriodicMessage(node.MessageConfig{
				ID:         uint32(msg.ID),
				Period:     msg.Period,
				Jitter:     msg.Jitter,
				IsExtended: msg.Extended,
				Enabled:    true,
				Generator:  gen,
			})
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// buildGenerator turns a profile generator spec into a payload function.
func buildGenerator(spec config.GeneratorSpec, seed int64) (func() []byte, error) {
	size := spec.Bytes
	if size <= 0 || size > 8 {
		size = 8
	}
	switch spec.Kind {
	case "", "counter":
		return counterGenerator(size), nil
	case "constant":
		payload, err := hex.DecodeString(spec.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid constant payload %q: %w", spec.Value, err)
		}
		return func() []byte { return payload }, nil
	case "random":
		rng := rand.New(rand.NewSource(seed))
		return func() []byte {
			data := make([]byte, size)
			rng.Read(data)
			return data
		}, nil
	default:
		return nil, fmt.Errorf("unknown generator kind %q", spec.Kind)
	}
}

// counterGenerator emits a little-endian counter payload, incremented per
// call.
func counterGenerator(size int) func() []byte {
	var counter uint64
	return func() []byte {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, counter)
		counter++
		return buf[:size]
	}
}

// demoNodes builds a small three-node setup producing steady traffic at
// distinct periods, with matching analyzer expectations and decode schemas.
func demoNodes(seed int64, an *analyzer.Analyzer, dec *decode.Decoder) []*node.Node {
	nodes := make([]*node.Node, 0, 3)
	for i := 0; i < 3; i++ {
		id := uint32(0x100 + i*0x10)
		period := time.Duration(100+i*20) * time.Millisecond

		n := node.New(fmt.Sprintf("node-%d", i+1), node.FaultConfig{}, seed+int64(i))
		n.AddPeriodicMessage(node.MessageConfig{
			ID:        id,
			Period:    period,
			Jitter:    5 * time.Millisecond,
			Enabled:   true,
			Generator: counterGenerator(8),
		})
		nodes = append(nodes, n)

		an.SetExpectation(analyzer.Expectation{
			ID:               id,
			Period:           period,
			TolerancePercent: 50,
			JitterThreshold:  25 * time.Millisecond,
		})

		if err := dec.Register(decode.MessageSchema{
			ID:   id,
			Name: fmt.Sprintf("DemoCounter%d", i+1),
			DLC:  8,
			Signals: []decode.SignalSchema{{
				Name:      "count",
				StartBit:  0,
				BitLength: 32,
				ByteOrder: decode.ByteOrderLittle,
				Scale:     1,
			}},
		}); err != nil {
			log.Fatalf("Demo schema: %v", err)
		}
	}
	return nodes
}
