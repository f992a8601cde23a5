// Package main provides a simulated Sunsynk inverter that answers Modbus TCP
// reads with slowly changing register values.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/resident-x/go-sunsynk/internal/registers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tbrandon/mbserver"
)

// InverterSimulator serves the register table of one inverter.
type InverterSimulator struct {
	addr      string
	serial    string
	interval  time.Duration
	catalogue *registers.Catalogue
	server    *mbserver.Server
	rng       *rand.Rand
	logger    zerolog.Logger
	mutex     sync.Mutex
}

// NewInverterSimulator creates a new inverter simulator.
func NewInverterSimulator(addr, serial string, interval time.Duration, catalogue *registers.Catalogue) *InverterSimulator {
	return &InverterSimulator{
		addr:      addr,
		serial:    serial,
		interval:  interval,
		catalogue: catalogue,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    log.With().Str("component", "simulator").Str("serial", serial).Logger(),
	}
}

// Start seeds the registers and begins listening.
func (sim *InverterSimulator) Start() error {
	sim.server = mbserver.NewServer()
	if err := sim.seed(); err != nil {
		return err
	}
	if err := sim.server.ListenTCP(sim.addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sim.addr, err)
	}
	sim.logger.Info().Str("address", sim.addr).Msg("Simulated inverter listening")
	return nil
}

// Close stops serving.
func (sim *InverterSimulator) Close() {
	if sim.server != nil {
		sim.server.Close()
	}
}

// Run serves until ctx is cancelled, varying the readings every interval.
func (sim *InverterSimulator) Run(ctx context.Context) error {
	if err := sim.Start(); err != nil {
		return err
	}
	defer sim.Close()

	ticker := time.NewTicker(sim.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sim.update()
		}
	}
}

func (sim *InverterSimulator) seed() error {
	r, ok := sim.catalogue.Range("serial")
	if !ok {
		return fmt.Errorf("register catalogue %s has no serial register", sim.catalogue.Name())
	}
	words := asciiWords(sim.serial, int(r.Count))
	copy(sim.server.HoldingRegisters[r.Start:], words)

	sim.set("overall_state", 2)
	sim.set("grid_connected_status", 1)
	sim.set("grid_frequency", 5000)
	sim.set("grid_voltage", 2300)
	sim.set("battery_voltage", 5200)
	sim.set("battery_soc", 60)
	sim.set("pv1_power", 1200)
	sim.set("load_power", 800)
	sim.set("grid_power", 0)
	return nil
}

// update applies a small random walk to the power and charge readings.
func (sim *InverterSimulator) update() {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	soc := clamp(int(sim.get("battery_soc"))+sim.rng.Intn(3)-1, 10, 100)
	pv := clamp(int(sim.get("pv1_power"))+sim.rng.Intn(201)-100, 0, 5000)
	load := clamp(int(sim.get("load_power"))+sim.rng.Intn(101)-50, 100, 6000)

	sim.set("battery_soc", uint16(soc))
	sim.set("pv1_power", uint16(pv))
	sim.set("load_power", uint16(load))
	// Export is negative, two's complement
	sim.set("grid_power", uint16(int16(load-pv)))

	sim.logger.Debug().Int("battery_soc", soc).Int("pv1_power", pv).Int("load_power", load).Msg("Registers updated")
}

func (sim *InverterSimulator) set(name string, value uint16) {
	if r, ok := sim.catalogue.Range(name); ok {
		sim.server.HoldingRegisters[r.Start] = value
	}
}

func (sim *InverterSimulator) get(name string) uint16 {
	if r, ok := sim.catalogue.Range(name); ok {
		return sim.server.HoldingRegisters[r.Start]
	}
	return 0
}

// asciiWords packs s into n words, two characters per word, high byte first.
func asciiWords(s string, n int) []uint16 {
	words := make([]uint16, n)
	for i := 0; i < len(s) && i < 2*n; i++ {
		if i%2 == 0 {
			words[i/2] |= uint16(s[i]) << 8
		} else {
			words[i/2] |= uint16(s[i])
		}
	}
	return words
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func main() {
	var (
		listenAddr  = flag.String("listen", "127.0.0.1:1502", "Modbus TCP listen address (host:port)")
		serial      = flag.String("serial", "2105012345", "Inverter serial number")
		definitions = flag.String("definitions", "single_phase", "Register catalogue name or file")
		interval    = flag.Duration("interval", 5*time.Second, "Interval between register updates")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if _, _, err := net.SplitHostPort(*listenAddr); err != nil {
		log.Fatal().Err(err).Str("address", *listenAddr).Msg("Invalid listen address")
	}

	catalogue, err := registers.Load(*definitions)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load register catalogue")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := NewInverterSimulator(*listenAddr, *serial, *interval, catalogue)
	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Simulator error")
	}
	log.Info().Msg("Simulator stopped")
}
