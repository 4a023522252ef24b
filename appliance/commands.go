package appliance

import (
	"context"
	"time"

	goutils "go.viam.com/utils"

	"github.com/verdant-devices/sproutd/config"
	"github.com/verdant-devices/sproutd/docstore"
)

func (a *Appliance) commandLoop(ctx context.Context, commands <-chan docstore.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			a.handleCommand(ctx, cmd)
		}
	}
}

// handleCommand executes one queued command and deletes its document. A
// malformed command is logged and deleted without executing.
func (a *Appliance) handleCommand(ctx context.Context, cmd docstore.Command) {
	a.logger.Infow("command received", "id", cmd.ID, "type", cmd.Type, "pin", cmd.Pin)
	if err := cmd.Validate(); err != nil {
		a.logger.Errorw("rejecting malformed command", "id", cmd.ID, "error", err)
		a.deleteCommand(ctx, cmd.ID)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, a.intervals.Duration(config.KeyCommandTimeout))
	defer cancel()

	var err error
	switch cmd.Type {
	case docstore.CommandPinControl:
		on := cmd.Action == "on"
		err = a.rec.UserSet(opCtx, cmd.Pin, on)
		if err == nil && on {
			a.autoOffAfter(cmd.Pin, cmd.Duration, false)
		}
	case docstore.CommandPWMControl:
		err = a.rec.UserSetPWM(opCtx, cmd.Pin, cmd.DutyCycle)
		if err == nil && cmd.DutyCycle > 0 {
			a.autoOffAfter(cmd.Pin, cmd.Duration, true)
		}
	case docstore.CommandEmergencyStop:
		err = a.rec.EmergencyStop(opCtx)
	}
	if err != nil {
		a.logger.Errorw("command failed", "id", cmd.ID, "type", cmd.Type, "error", err)
	}
	a.deleteCommand(ctx, cmd.ID)
}

// autoOffAfter turns the pin back off once the command's optional duration
// elapses. Appliance shutdown cancels pending auto-offs.
func (a *Appliance) autoOffAfter(pinID int, duration *int, pwm bool) {
	if duration == nil || *duration <= 0 {
		return
	}
	wait := time.Duration(*duration) * time.Second
	a.logger.Infow("auto-off scheduled", "pin", pinID, "after", wait)

	goutils.PanicCapturingGo(func() {
		timer := a.clk.Timer(wait)
		defer timer.Stop()
		select {
		case <-a.cancelCtx.Done():
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.intervals.Duration(config.KeyCommandTimeout))
		defer cancel()
		var err error
		if pwm {
			err = a.rec.UserSetPWM(ctx, pinID, 0)
		} else {
			err = a.rec.UserSet(ctx, pinID, false)
		}
		if err != nil {
			a.logger.Warnw("auto-off failed", "pin", pinID, "error", err)
		}
	})
}

func (a *Appliance) deleteCommand(ctx context.Context, id string) {
	deleteCtx, cancel := context.WithTimeout(ctx, a.intervals.Duration(config.KeyCommandTimeout))
	defer cancel()
	if err := a.store.DeleteCommand(deleteCtx, id); err != nil {
		a.logger.Warnw("command delete failed", "id", id, "error", err)
	}
}
