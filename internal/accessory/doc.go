// Package accessory keeps shell-command driven devices and their exposed
// accessories in sync.
//
// Every device is described by a Descriptor: the shell commands that switch
// it on and off and read its state, plus how to interpret that output.
// Registering a Descriptor creates a Context holding the device's live
// state, and asks the Exposure layer to publish the accessory.
//
// The moving parts:
//
//   - Evaluate turns command output into a typed state (state_on and
//     state_off lists, a state_eval expression, or the exit status).
//   - Registry owns the Contexts and per-device poll timers.
//   - Poller re-reads polling devices, one command in flight per device.
//   - Correlator shows and hides devices linked to a parent as the parent's
//     state changes.
//   - WorkflowExecutor runs a device's workflow commands after it turns on.
//   - Coordinator answers get and set requests; a set caller is answered
//     optimistically once the set timeout elapses.
//
// All of them run on the single loop goroutine started by Platform.Run.
// Command completions and timers are posted back to that loop, so no
// Context is ever touched concurrently.
//
// Usage:
//
//	p, err := accessory.NewPlatform(accessory.Options{
//	    Runner:   runner,
//	    Exposure: exposure,
//	    Logger:   log,
//	})
//	if err != nil {
//	    return err
//	}
//	go p.Run(ctx)
//
//	if err := p.Launch(ctx, devices, nil); err != nil {
//	    return err
//	}
//	err = p.SetValue(ctx, "Lamp", accessory.CharOn, true)
package accessory
