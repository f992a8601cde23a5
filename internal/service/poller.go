// Package service runs the polling cycles of every configured inverter.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-sunsynk/internal/api"
	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/connector"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/metrics"
	"github.com/resident-x/go-sunsynk/internal/registers"
	"github.com/resident-x/go-sunsynk/internal/scheduler"
	"github.com/resident-x/go-sunsynk/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// target is one inverter and the registers it polls.
type target struct {
	session    *session.Session
	selection  *registers.Selection
	controller *scheduler.Controller
	serial     string
}

// Poller drives one polling loop per inverter and publishes each cycle.
type Poller struct {
	config     *config.Config
	connectors *connector.Manager
	sessions   *session.Manager
	registry   domain.Registry
	publisher  domain.MessagePublisher
	metrics    *metrics.Metrics
	apiServer  *api.Server
	targets    []*target
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     zerolog.Logger
	startTime  time.Time
}

// NewPoller builds the polling targets. The first inverter also polls the
// registers listed in sensors_first_inverter.
func NewPoller(cfg *config.Config, connectors *connector.Manager, sessions *session.Manager,
	catalogue *registers.Catalogue, publisher domain.MessagePublisher, m *metrics.Metrics) (*Poller, error) {
	logger := log.With().Str("component", "poller").Logger()

	base, err := catalogue.Select(cfg.Registers.Sensors)
	if err != nil {
		return nil, err
	}
	var extra *registers.Selection
	if len(cfg.Registers.SensorsFirstInverter) > 0 {
		if extra, err = catalogue.Select(cfg.Registers.SensorsFirstInverter); err != nil {
			return nil, err
		}
	}

	policy := scheduler.Policy{Retries: cfg.Poll.Retries, RetryDelay: cfg.Poll.RetryDelay}

	p := &Poller{
		config:     cfg,
		connectors: connectors,
		sessions:   sessions,
		registry:   domain.NewInverterRegistry(),
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
	}

	for i, s := range sessions.All() {
		selection := base
		if i == 0 && extra != nil {
			selection = base.Merge(extra)
		}
		p.targets = append(p.targets, &target{
			session:    s,
			selection:  selection,
			controller: scheduler.NewController(s.Name, s, policy, logger),
			serial:     s.SerialNr,
		})
	}

	if cfg.API.Enabled {
		var opts []api.Option
		if m != nil {
			opts = append(opts, api.WithMetrics(m.Handler()))
		}
		p.apiServer = api.NewServer(cfg, p.registry, connectors, p.lookup, opts...)
	}

	return p, nil
}

func (p *Poller) lookup(name string) (api.RegisterClient, bool) {
	s, ok := p.sessions.Get(name)
	if !ok {
		return nil, false
	}
	return s, true
}

// Registry returns the inverter registry the poller updates.
func (p *Poller) Registry() domain.Registry {
	return p.registry
}

// Start identifies every inverter, then starts the API server and one polling
// loop per inverter. A serial number mismatch aborts startup; an inverter that
// does not answer yet is polled anyway.
func (p *Poller) Start(ctx context.Context) error {
	p.startTime = time.Now()

	for _, t := range p.targets {
		if err := p.registry.RegisterInverter(t.session.Name, t.session.Connector(), t.session.Address); err != nil {
			return err
		}
	}

	if err := p.identify(ctx); err != nil {
		return err
	}

	if p.apiServer != nil {
		if err := p.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, t := range p.targets {
		p.wg.Add(1)
		go p.loop(loopCtx, t)
	}

	p.logger.Info().
		Int("inverters", len(p.targets)).
		Dur("interval", p.config.Poll.Interval).
		Msg("Poller started")
	return nil
}

func (p *Poller) identify(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range p.targets {
		t := t
		g.Go(func() error {
			serial, err := t.session.CheckIdentity(gctx)
			if domain.IsFatal(err) {
				return err
			}
			if err != nil {
				p.logger.Warn().
					Str("inverter", t.session.Name).
					Err(err).
					Msg("Could not read serial number, polling anyway")
				return nil
			}
			if t.serial == "" {
				t.serial = serial
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) loop(ctx context.Context, t *target) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Poll.Interval)
	defer ticker.Stop()

	p.poll(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, t)
		}
	}
}

// poll runs one cycle for t and hands the outcome to the registry, metrics and publisher.
func (p *Poller) poll(ctx context.Context, t *target) {
	name := t.session.Name
	cycleCtx, cancel := context.WithTimeout(ctx, p.config.Poll.Interval)
	defer cancel()

	result, err := t.controller.Run(cycleCtx, t.selection.Ranges())
	if err != nil {
		p.logger.Error().Str("inverter", name).Err(err).Msg("Polling cycle aborted")
		if p.metrics != nil {
			p.metrics.RecordCycleError(name)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	values, unavailable := t.selection.Decode(result)
	state := &domain.InverterState{
		Inverter:    name,
		SerialNr:    t.serial,
		Timestamp:   result.Finished,
		Values:      values,
		Unavailable: unavailable,
	}

	if err := p.registry.RecordCycle(name, result); err != nil {
		p.logger.Error().Err(err).Msg("Failed to record cycle")
	}
	if err := p.registry.RecordState(name, state); err != nil {
		p.logger.Error().Err(err).Msg("Failed to record state")
	}
	if p.metrics != nil {
		p.metrics.RecordCycle(name, result, values)
	}

	if err := p.publisher.Publish(ctx, p.config.MQTT.Topic, state); err != nil {
		p.logger.Error().
			Str("inverter", name).
			Err(err).
			Msg("Failed to publish message")
	}

	p.logger.Debug().
		Str("inverter", name).
		Int("requests", result.Requests).
		Int("available", len(values)).
		Int("unavailable", len(unavailable)).
		Dur("duration", result.Finished.Sub(result.Started)).
		Msg("Polling cycle finished")
}

// Stop cancels the polling loops, waits for them, then shuts down the API
// server, the publisher and finally the connectors.
func (p *Poller) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping poller")

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("Timed out waiting for polling loops")
	}

	var errs []error
	if p.apiServer != nil {
		if err := p.apiServer.Stop(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Failed to stop API server")
			errs = append(errs, err)
		}
	}

	if err := p.publisher.Close(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to close message publisher")
		errs = append(errs, err)
	}

	if err := p.connectors.CloseAll(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to close connectors")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// GetMetrics returns poller runtime figures.
func (p *Poller) GetMetrics() map[string]interface{} {
	out := make(map[string]interface{})
	out["uptime"] = time.Since(p.startTime).Seconds()
	out["start_time"] = p.startTime
	out["inverters"] = len(p.targets)
	out["connectors"] = p.connectors.Count()
	return out
}
