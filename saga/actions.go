package saga

import (
	"context"

	flowhs "github.com/goliatone/go-flowhs"
	"github.com/goliatone/go-flowhs/model"
	"github.com/goliatone/go-flowhs/speaker"
)

func next(context.Context, *Machine) Event { return EventNext }

// failStep records the failed dispatch step and stops.
func failStep(_ context.Context, m *Machine) Event {
	m.sc.failStep()
	return noEvent
}

func actValidate(ctx context.Context, m *Machine) Event {
	if m.hooks.validate != nil {
		if err := m.hooks.validate(ctx, m); err != nil {
			m.sc.fail(err)
			return EventError
		}
	}
	return EventNext
}

func actAllocate(ctx context.Context, m *Machine) Event {
	if m.hooks.allocate != nil {
		if err := m.hooks.allocate(ctx, m); err != nil {
			m.sc.fail(err)
			return EventError
		}
	}
	return EventNext
}

func actInstallNew(ctx context.Context, m *Machine) Event {
	if err := m.sc.Target.ValidatePaths(); err != nil {
		m.sc.fail(err)
		return EventError
	}
	if m.sc.Original != nil {
		existing, err := m.installSet(ctx, m.sc.Original)
		if err != nil {
			m.sc.fail(err)
			return EventError
		}
		m.sc.Existing = existing
	}
	installed, err := m.installSet(ctx, m.sc.Target)
	if err != nil {
		m.sc.fail(err)
		return EventError
	}
	m.sc.Installed = installed
	m.sc.Restore = ingressRestore(m.sc.Existing).Without(installed.Keys())
	m.logger.Debug("installing %d descriptors", installed.Len())
	return m.dispatch(ctx, speaker.BuildBatch(speaker.KindInstall, installed))
}

func actSwitchOver(ctx context.Context, m *Machine) Event {
	target := m.sc.Target
	target.Status = model.FlowStatusUp
	version, err := m.deps.Store.SaveIfVersion(ctx, target, m.sc.Version)
	if err != nil {
		m.sc.fail(flowhs.WrapError(flowhs.ErrSagaConflict, "flow changed while the saga was running", err, m.meta()))
		return EventError
	}
	m.sc.Version = version
	return EventNext
}

// actRevertNew deletes the rules INSTALL_NEW added and reinstalls the
// ingress rules they replaced. Rules Original already had stay untouched.
func actRevertNew(ctx context.Context, m *Machine) Event {
	m.sc.failStep()
	if m.sc.DoNotRevert {
		m.logger.Warn("install failed, new rules stay in place")
		return EventNext
	}
	revert := m.sc.Installed.Without(m.sc.Existing.Keys())
	batch, err := revertBatch(revert, m.sc.Restore)
	if err != nil {
		m.logger.Error("revert batch: %v", err)
		return EventNext
	}
	m.logger.Info("reverting %d new descriptors", revert.Len())
	return m.dispatch(ctx, batch)
}

// actReleaseNew releases what ALLOCATE_RESOURCES reserved and fails the saga.
func actReleaseNew(ctx context.Context, m *Machine) Event {
	if res, ok := m.sc.Results[StateRevertNew]; ok && !res.Succeeded() {
		m.logger.Error("revert left rules behind: %v", res.Err())
	}
	if m.hooks.release != nil {
		if err := m.hooks.release(ctx, m); err != nil {
			m.logger.Error("release of new resources failed: %v", err)
		}
	}
	return EventError
}

func actRemoveOld(ctx context.Context, m *Machine) Event {
	m.sc.Removal = m.sc.Existing.Without(m.sc.Installed.Keys())
	m.logger.Debug("removing %d old descriptors", m.sc.Removal.Len())
	return m.dispatch(ctx, speaker.BuildBatch(speaker.KindDelete, m.sc.Removal))
}

// actReleaseOld runs after the switch over, so failures are only logged.
func actReleaseOld(ctx context.Context, m *Machine) Event {
	if m.sc.stepErr != nil {
		m.logger.Warn("old rules were not fully removed: %v", m.sc.stepErr)
	}
	if m.hooks.releaseOld != nil {
		if err := m.hooks.releaseOld(ctx, m); err != nil {
			m.logger.Error("release of old resources failed: %v", err)
		}
	}
	return EventNext
}

func actDeleteExisting(ctx context.Context, m *Machine) Event {
	removal, err := m.installSet(ctx, m.sc.Original)
	if err != nil {
		m.sc.fail(err)
		return EventError
	}
	m.sc.Removal = removal
	return m.dispatch(ctx, speaker.BuildBatch(speaker.KindDelete, removal))
}

func actVerify(ctx context.Context, m *Machine) Event {
	expected, err := m.installSet(ctx, m.sc.Original)
	if err != nil {
		m.sc.fail(err)
		return EventError
	}
	m.sc.Existing = expected
	return m.dispatch(ctx, speaker.BuildBatch(speaker.KindVerify, expected))
}

func actReport(_ context.Context, m *Machine) Event {
	res := m.sc.Results[StateVerify]
	for id, diff := range res.Mismatches() {
		for _, c := range res.Commands {
			if c.ID == id {
				m.sc.Mismatches[c.Payload.Key()] = diff
			}
		}
	}
	if n := len(m.sc.Mismatches); n > 0 {
		m.logger.Warn("%d descriptors differ from the switches", n)
	}
	return EventNext
}

// installTable is shared by every operation that installs new rules before
// the store is switched over. Without removeOld the saga notifies right
// after the switch over.
func installTable(removeOld bool) Table[*Machine] {
	t := Table[*Machine]{}
	t.On(StateInitialized, EventNext, StateValidate, actValidate).
		On(StateValidate, EventNext, StateAllocateResources, actAllocate).
		On(StateValidate, EventError, StateFinishedWithError, nil).
		On(StateAllocateResources, EventNext, StateInstallNew, actInstallNew).
		On(StateAllocateResources, EventError, StateFinishedWithError, nil).
		On(StateInstallNew, EventResponseReceived, StateSwitchOver, actSwitchOver).
		On(StateInstallNew, EventError, StateReleaseResources, actReleaseNew).
		OnAny(StateInstallNew, failed, StateRevertNew, actRevertNew).
		On(StateSwitchOver, EventError, StateRevertNew, actRevertNew).
		OnAny(StateRevertNew, settled, StateReleaseResources, actReleaseNew).
		On(StateRevertNew, EventNext, StateFinishedWithError, nil).
		On(StateReleaseResources, EventNext, StateNotify, next).
		On(StateReleaseResources, EventError, StateFinishedWithError, nil).
		On(StateNotify, EventNext, StateFinished, nil)
	if removeOld {
		t.On(StateSwitchOver, EventNext, StateRemoveOld, actRemoveOld).
			OnAny(StateRemoveOld, settled, StateReleaseResources, actReleaseOld)
	} else {
		t.On(StateSwitchOver, EventNext, StateNotify, next)
	}
	return t
}

// deleteTable removes rules first and commits in RELEASE_RESOURCES.
func deleteTable(remove, release Action[*Machine]) Table[*Machine] {
	return Table[*Machine]{}.
		On(StateInitialized, EventNext, StateValidate, actValidate).
		On(StateValidate, EventNext, StateDeleteExisting, remove).
		On(StateValidate, EventError, StateFinishedWithError, nil).
		On(StateDeleteExisting, EventResponseReceived, StateReleaseResources, release).
		On(StateDeleteExisting, EventError, StateFinishedWithError, nil).
		OnAny(StateDeleteExisting, failed, StateFinishedWithError, failStep).
		On(StateReleaseResources, EventNext, StateNotify, next).
		On(StateReleaseResources, EventError, StateFinishedWithError, nil).
		On(StateNotify, EventNext, StateFinished, nil)
}

func validateTable() Table[*Machine] {
	return Table[*Machine]{}.
		On(StateInitialized, EventNext, StateValidate, actValidate).
		On(StateValidate, EventNext, StateVerify, actVerify).
		On(StateValidate, EventError, StateFinishedWithError, nil).
		On(StateVerify, EventResponseReceived, StateNotify, actReport).
		On(StateVerify, EventError, StateFinishedWithError, nil).
		OnAny(StateVerify, failed, StateFinishedWithError, failStep).
		On(StateNotify, EventNext, StateFinished, nil)
}
