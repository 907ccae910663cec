package saga

import (
	"context"
	"time"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/config"
	"github.com/goliatone/go-flowhs/dispatch"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/notify"
	"github.com/goliatone/go-flowhs/resource"
	"github.com/goliatone/go-flowhs/runner"
	"github.com/goliatone/go-flowhs/speaker"
	"github.com/goliatone/go-flowhs/store"
)

// CapabilityLookup resolves the capabilities of the switches a flow touches.
type CapabilityLookup interface {
	Lookup(ctx context.Context, switches ...model.SwitchID) (model.SwitchCapabilities, error)
}

// Settings are the tunables every machine reads.
type Settings struct {
	SpeakerRetries    int
	SpeakerTimeout    time.Duration
	AllocationRetries int
	AllocationBackoff runner.RetryStrategy
	LegacyCleanup     bool
}

func SettingsFrom(cfg config.Config) Settings {
	return Settings{
		SpeakerRetries:    cfg.SpeakerCommandRetriesLimit,
		SpeakerTimeout:    cfg.SpeakerCommandTimeout,
		AllocationRetries: cfg.ResourceAllocationRetriesLimit,
		AllocationBackoff: cfg.AllocationBackoff.Strategy(),
		LegacyCleanup:     cfg.LegacyCleanup,
	}
}

func DefaultSettings() Settings {
	return SettingsFrom(config.Defaults())
}

// Deps are the collaborators shared by every machine of a process.
type Deps struct {
	Store        store.FlowRepository
	Allocator    resource.Allocator
	Capabilities CapabilityLookup
	Transport    speaker.Transport
	Timers       dispatch.Timers
	Notifier     notify.Notifier
	Logger       flowhs.Logger
	Settings     Settings
	Now          func() time.Time
}

func (d Deps) normalize() Deps {
	d.Logger = flowhs.NormalizeLogger(d.Logger)
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Settings.AllocationBackoff == nil {
		d.Settings.AllocationBackoff = runner.NoDelayStrategy{}
	}
	return d
}

// Validate reports missing collaborators.
func (d Deps) Validate() error {
	var missing []string
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Allocator == nil {
		missing = append(missing, "allocator")
	}
	if d.Capabilities == nil {
		missing = append(missing, "capabilities")
	}
	if d.Transport == nil {
		missing = append(missing, "transport")
	}
	if d.Timers == nil {
		missing = append(missing, "timers")
	}
	if len(missing) > 0 {
		return flowhs.NewError(flowhs.ErrInvalidArgument, "saga dependencies are incomplete",
			map[string]any{"missing": missing})
	}
	return nil
}
