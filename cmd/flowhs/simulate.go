package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/capability"
	"github.com/goliatone/go-flowhs/hub"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/notify"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/saga"
	"github.com/goliatone/go-flowhs/speaker"
	"github.com/goliatone/go-flowhs/store"
	"github.com/goliatone/go-flowhs/validation"
)

type simulateCmd struct {
	Scenario       string        `arg:"" type:"existingfile" help:"Scenario file."`
	Drop           []string      `help:"Switches that never answer." sep:","`
	Fail           []string      `help:"Switches that reject every command." sep:","`
	Validate       bool          `help:"Validate every flow once provisioned."`
	Delete         bool          `help:"Delete every flow at the end."`
	SpeakerTimeout time.Duration `help:"Override the speaker command timeout."`
	Timeout        time.Duration `default:"1m" help:"Overall time limit."`
}

type operationReport struct {
	Key        string            `yaml:"key"`
	Operation  string            `yaml:"operation"`
	Success    bool              `yaml:"success"`
	ErrorKind  string            `yaml:"error_kind,omitempty"`
	Message    string            `yaml:"message,omitempty"`
	Mismatches map[string]string `yaml:"mismatches,omitempty"`
}

type simulationReport struct {
	Operations []operationReport      `yaml:"operations"`
	History    map[string][]string    `yaml:"history"`
	Installed  map[model.SwitchID]int `yaml:"installed"`
	Metrics    map[string]float64     `yaml:"metrics,omitempty"`
}

func (c *simulateCmd) Run(rt *runtime) error {
	sc, err := loadScenario(c.Scenario)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(rt.ctx, c.Timeout)
	defer cancel()

	sim, err := newSimulation(sc, rt, c.SpeakerTimeout)
	if err != nil {
		return err
	}
	for _, sw := range c.Drop {
		sim.agent.Inject(&speaker.Fault{Match: speaker.OnSwitch(model.SwitchID(sw)), Drop: true})
	}
	for _, sw := range c.Fail {
		sim.agent.Inject(&speaker.Fault{
			Match:     speaker.OnSwitch(model.SwitchID(sw)),
			ErrorKind: speaker.ErrorSwitchUnavailable,
			Reason:    "switch is unavailable",
		})
	}

	report, runErr := sim.run(ctx, c.Validate, c.Delete)
	if err := sim.close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	if report != nil {
		report.Metrics = sim.metrics()
		if err := writeYAML(rt.out, report); err != nil {
			return err
		}
	}
	return runErr
}

// simulation is a full control plane wired to in-memory switches.
type simulation struct {
	scenario  *scenario
	logger    flowhs.Logger
	hub       *hub.Hub
	store     *store.Memory
	agent     *speaker.MemoryAgent
	transport *speaker.LocalTransport
	events    *notify.Dispatcher
	history   *notify.HistoryLog
	responses *notify.Responses
	registry  *prometheus.Registry
	validator *validation.Scheduler
}

func newSimulation(sc *scenario, rt *runtime, speakerTimeout time.Duration) (*simulation, error) {
	cfg := rt.config
	sim := &simulation{
		scenario:  sc,
		logger:    rt.logger,
		store:     store.NewMemory(),
		agent:     speaker.NewMemoryAgent(),
		events:    notify.NewDispatcher(notify.WithLogger(rt.logger)),
		history:   notify.NewHistoryLog(0),
		responses: notify.NewResponses(),
		registry:  prometheus.NewRegistry(),
	}
	sim.history.Attach(sim.events)
	sim.responses.Attach(sim.events)
	metrics, err := notify.NewMetrics("flowhs", sim.registry)
	if err != nil {
		sim.events.Close()
		return nil, err
	}
	metrics.Attach(sim.events)

	settings := saga.SettingsFrom(cfg)
	if speakerTimeout > 0 {
		settings.SpeakerTimeout = speakerTimeout
	}

	sim.transport = speaker.NewLocalTransport(sim.agent, nil, rt.logger)
	h, err := hub.New(saga.Deps{
		Store: sim.store,
		Allocator: resource.NewMemoryAllocator(sc.routes(),
			resource.WithVlanPool(cfg.VlanPool.Min, cfg.VlanPool.Max),
			resource.WithVxlanPool(cfg.VxlanPool.Min, cfg.VxlanPool.Max),
			resource.WithFlowIDPrefix(cfg.FlowIDPrefix),
			resource.WithLogger(rt.logger),
		),
		Capabilities: capability.NewCache(sc.capabilities(), cfg.CapabilityCacheTTL,
			capability.WithLogger(rt.logger)),
		Transport: sim.transport,
		Notifier:  sim.events,
		Logger:    rt.logger,
		Settings:  settings,
	}, hub.WithFlowIDPrefix(cfg.FlowIDPrefix))
	if err != nil {
		sim.events.Close()
		return nil, err
	}
	sim.transport.SetHandler(func(ctx context.Context, resp speaker.Response) {
		h.HandleResponse(ctx, resp)
	})
	sim.hub = h

	sim.validator = validation.NewScheduler(
		validation.NewSweeper(sim.store, h, validation.WithSweepLogger(rt.logger)),
		validation.WithLogger(rt.logger),
	)
	if err := sim.validator.Schedule(cfg.ValidationSchedule); err != nil {
		h.Close()
		sim.events.Close()
		return nil, err
	}
	return sim, nil
}

func (s *simulation) run(ctx context.Context, validate, remove bool) (*simulationReport, error) {
	report := &simulationReport{History: map[string][]string{}, Installed: map[model.SwitchID]int{}}

	var flows, yflows []string
	for _, f := range s.scenario.Flows {
		key, err := s.hub.Create(ctx, saga.CreateRequest{Flow: f.Clone()})
		if err != nil {
			return report, err
		}
		flows = append(flows, key)
	}
	for _, y := range s.scenario.YFlows {
		req := saga.YFlowCreateRequest{YFlow: y.YFlow.Clone()}
		for _, sub := range y.SubFlows {
			req.SubFlows = append(req.SubFlows, sub.Clone())
		}
		key, err := s.hub.CreateYFlow(ctx, req)
		if err != nil {
			return report, err
		}
		yflows = append(yflows, key)
	}
	if err := s.collect(ctx, report, append(append([]string(nil), flows...), yflows...)); err != nil {
		return report, err
	}

	if err := s.validator.Start(ctx); err != nil {
		return report, err
	}
	if validate {
		sweep, err := s.validator.RunNow(ctx)
		if err != nil {
			return report, err
		}
		if err := s.collect(ctx, report, sweep.Started); err != nil {
			return report, err
		}
	}

	for _, sw := range s.switches() {
		report.Installed[sw] = len(s.agent.Installed(sw))
	}

	if remove {
		var keys []string
		for _, id := range flows {
			key, err := s.hub.Delete(ctx, saga.DeleteRequest{FlowID: id})
			if err != nil {
				report.rejected(id, saga.OpDelete, err)
				continue
			}
			keys = append(keys, key)
		}
		for _, id := range yflows {
			key, err := s.hub.DeleteYFlow(ctx, saga.YFlowDeleteRequest{YFlowID: id})
			if err != nil {
				report.rejected(id, saga.OpYFlowDelete, err)
				continue
			}
			keys = append(keys, key)
		}
		if err := s.collect(ctx, report, keys); err != nil {
			return report, err
		}
	}

	ids := append(append([]string(nil), flows...), yflows...)
	for _, y := range s.scenario.YFlows {
		for _, sub := range y.SubFlows {
			ids = append(ids, sub.FlowID)
		}
	}
	for _, id := range ids {
		for _, rec := range s.history.For(id) {
			report.History[id] = append(report.History[id], fmt.Sprintf("%s %s", rec.Operation, rec.State))
		}
	}
	return report, nil
}

// rejected records a request refused before any saga started.
func (r *simulationReport) rejected(key string, op saga.Operation, err error) {
	r.Operations = append(r.Operations, operationReport{
		Key:       key,
		Operation: string(op),
		ErrorKind: string(flowhs.ErrorKindOf(err)),
		Message:   err.Error(),
	})
}

// collect waits for every saga in keys and records its northbound response.
func (s *simulation) collect(ctx context.Context, report *simulationReport, keys []string) error {
	for _, key := range keys {
		if err := s.settle(ctx, key); err != nil {
			return err
		}
	}
	s.transport.Wait()
	if err := s.events.Flush(ctx); err != nil {
		return err
	}
	for _, key := range keys {
		resp, ok := s.responses.Get(key)
		if !ok {
			return flowhs.NewError(flowhs.ErrIllegalState, "operation finished without a response",
				map[string]any{"key": key})
		}
		report.Operations = append(report.Operations, operationReport{
			Key:        key,
			Operation:  resp.Operation,
			Success:    resp.Success,
			ErrorKind:  string(resp.ErrorKind),
			Message:    resp.Message,
			Mismatches: resp.Mismatches,
		})
	}
	return nil
}

func (s *simulation) settle(ctx context.Context, key string) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, running := s.hub.State(key); !running {
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return flowhs.WrapError(flowhs.ErrIllegalState, "operation did not finish", ctx.Err(),
				map[string]any{"key": key})
		}
	}
}

func (s *simulation) switches() []model.SwitchID {
	out := make([]model.SwitchID, 0, len(s.scenario.Switches))
	for sw := range s.scenario.Switches {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// close drains the hub, abandoning whatever still runs once ctx ends.
func (s *simulation) close(ctx context.Context) error {
	if err := s.validator.Stop(ctx); err != nil {
		s.logger.Warn("validation schedule did not stop: %v", err)
	}
	err := s.hub.Shutdown(ctx)
	s.transport.Wait()
	s.events.Close()
	return err
}

// metrics flattens the counters gathered during the run.
func (s *simulation) metrics() map[string]float64 {
	families, err := s.registry.Gather()
	if err != nil {
		s.logger.Warn("metrics could not be gathered: %v", err)
		return nil
	}
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			out[fmt.Sprintf("%s{%s}", mf.GetName(), strings.Join(labels, ","))] = m.GetCounter().GetValue()
		}
	}
	return out
}
