package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/dispatch"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/rule"
	"github.com/goliatone/go-flowhs/speaker"
)

type compileCmd struct {
	Scenario string `arg:"" type:"existingfile" help:"Scenario file."`
	Flow     string `help:"Only compile this flow."`
	DryRun   bool   `help:"Send the compiled descriptors as dry-run commands to in-memory switches."`
}

// compiled is the document printed for one flow.
type compiled struct {
	FlowID string       `yaml:"flow_id"`
	Paths  []string     `yaml:"paths"`
	Rules  rule.RuleSet `yaml:"rules"`
	DryRun *dryRunStats `yaml:"dry_run,omitempty"`
}

type dryRunStats struct {
	Commands int               `yaml:"commands"`
	Ok       int               `yaml:"ok"`
	Failed   map[string]string `yaml:"failed,omitempty"`
}

func (c *compileCmd) Run(rt *runtime) error {
	sc, err := loadScenario(c.Scenario)
	if err != nil {
		return err
	}
	docs, err := compileScenario(rt.ctx, sc, rt, c.Flow, c.DryRun)
	if err != nil {
		return err
	}
	return writeYAML(rt.out, docs)
}

func compileScenario(ctx context.Context, sc *scenario, rt *runtime, only string, dryRun bool) ([]compiled, error) {
	caps := model.SwitchCapabilities(sc.capabilities())
	alloc := resource.NewMemoryAllocator(sc.routes(),
		resource.WithVlanPool(rt.config.VlanPool.Min, rt.config.VlanPool.Max),
		resource.WithVxlanPool(rt.config.VxlanPool.Min, rt.config.VxlanPool.Max),
		resource.WithLogger(rt.logger),
	)

	var docs []compiled
	for _, f := range sc.allFlows() {
		if only != "" && f.FlowID != only {
			continue
		}
		flow := f.Clone()
		res, err := alloc.Allocate(ctx, flow, caps)
		if err != nil {
			return nil, err
		}
		res.ApplyTo(flow)

		rs, err := rule.CompileFlow(flow, res.Paths(), caps, rule.WithLegacyCleanup(rt.config.LegacyCleanup))
		if err != nil {
			return nil, err
		}
		doc := compiled{FlowID: flow.FlowID, Rules: rs}
		for _, p := range res.Paths() {
			doc.Paths = append(doc.Paths, fmt.Sprintf("%s %s->%s", p.PathID, p.SrcSwitch, p.DstSwitch))
		}
		if dryRun {
			stats, err := runDryRun(ctx, rs, rt)
			if err != nil {
				return nil, err
			}
			doc.DryRun = stats
		}
		rt.logger.Debug("compiled %s: %d rules, %d meters, %d groups",
			flow.FlowID, len(rs.Rules), len(rs.Meters), len(rs.Groups))
		docs = append(docs, doc)
	}
	if only != "" && len(docs) == 0 {
		return nil, flowhs.NewError(flowhs.ErrFlowNotFound, "flow is not part of the scenario",
			map[string]any{"flow_id": only})
	}
	return docs, nil
}

// runDryRun pushes rs through a dispatch engine as DRY_RUN commands. The
// agent answers on its own goroutines; responses are fed back here so the
// engine is only touched by one goroutine.
func runDryRun(ctx context.Context, rs rule.RuleSet, rt *runtime) (*dryRunStats, error) {
	batch := speaker.BuildBatch(speaker.KindDryRun, rs)
	responses := make(chan speaker.Response, batch.Len()*(rt.config.SpeakerCommandRetriesLimit+1))
	transport := speaker.NewLocalTransport(speaker.NewMemoryAgent(), func(_ context.Context, resp speaker.Response) {
		responses <- resp
	}, rt.logger)
	defer transport.Wait()

	engine := dispatch.NewEngine(batch, transport, dispatch.NewManualTimers(),
		dispatch.WithRetries(rt.config.SpeakerCommandRetriesLimit),
		dispatch.WithLogger(rt.logger),
	)

	ctx, cancel := context.WithTimeout(ctx, rt.config.SpeakerCommandTimeout+time.Second)
	defer cancel()
	for done := engine.Start(ctx); !done; {
		select {
		case resp := <-responses:
			engine.HandleResponse(ctx, resp)
			done = engine.Done()
		case <-ctx.Done():
			engine.Abandon(context.WithoutCancel(ctx), "dry run interrupted")
			return nil, flowhs.WrapError(flowhs.ErrSpeakerCommandTimeout, "dry run did not finish", ctx.Err(), nil)
		}
	}

	result := engine.Result()
	stats := &dryRunStats{Commands: len(result.Commands)}
	for _, cmd := range result.Commands {
		out := result.Outcomes[cmd.ID]
		if out.Success() {
			stats.Ok++
			continue
		}
		if stats.Failed == nil {
			stats.Failed = map[string]string{}
		}
		stats.Failed[cmd.Payload.Key()] = out.String()
	}
	return stats, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
