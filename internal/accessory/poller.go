package accessory

import (
	"time"

	"github.com/nerrad567/shellbridge/internal/process"
)

// pollState tracks one device's poll loop. Entries are never deleted, so a
// device removed and re-added while a command is in flight cannot end up
// with two commands running.
type pollState struct {
	gen      uint64
	active   bool
	inflight bool
}

// Poller runs the periodic state command of every polling device and feeds
// the results through the evaluator.
//
// A cycle is: run state_cmd in the background, evaluate the output on the
// loop, store a changed state, reschedule. The next cycle is only scheduled
// once the previous command finished, so a slow command delays its own
// device and nothing else.
type Poller struct {
	p      *Platform
	states map[string]*pollState
}

func newPoller(p *Platform) *Poller {
	return &Poller{p: p, states: make(map[string]*pollState)}
}

func (pl *Poller) state(name string) *pollState {
	s, ok := pl.states[name]
	if !ok {
		s = &pollState{}
		pl.states[name] = s
	}
	return s
}

// Start begins polling name immediately. Devices without polling or a
// state_cmd are ignored. Starting an already running loop restarts it.
func (pl *Poller) Start(name string) {
	c, ok := pl.p.registry.Get(name)
	if !ok || !c.PollingEnabled() {
		return
	}

	s := pl.state(name)
	s.gen++
	s.active = true
	pl.p.registry.CancelTimer(name)

	if s.inflight {
		// The running command's completion continues the new loop.
		return
	}
	pl.cycle(name, s.gen)
}

// Stop ends polling for name. An in-flight command finishes but its result
// is discarded.
func (pl *Poller) Stop(name string) {
	s, ok := pl.states[name]
	if ok {
		s.gen++
		s.active = false
	}
	pl.p.registry.CancelTimer(name)
}

// Active reports whether name is being polled.
func (pl *Poller) Active(name string) bool {
	s, ok := pl.states[name]
	return ok && s.active
}

func (pl *Poller) cycle(name string, gen uint64) {
	s := pl.state(name)
	if !s.active || s.gen != gen || s.inflight {
		return
	}
	c, ok := pl.p.registry.Get(name)
	if !ok {
		s.active = false
		return
	}

	s.inflight = true
	command := c.StateCmd
	pl.p.opts.Runner.Start(command, func(res process.Result, err error) {
		pl.p.post(func() { pl.complete(name, res, err) })
	})
}

func (pl *Poller) complete(name string, res process.Result, execErr error) {
	s := pl.state(name)
	s.inflight = false
	pl.p.opts.Metrics.command("poll", execErr)

	if !s.active {
		pl.p.opts.Metrics.pollCycle("discarded")
		return
	}
	c, ok := pl.p.registry.Get(name)
	if !ok {
		s.active = false
		pl.p.opts.Metrics.pollCycle("discarded")
		return
	}

	pl.evaluate(c, res, execErr)

	if !c.PollingEnabled() {
		s.active = false
		return
	}
	if c.Link != "" && !pl.p.opts.Exposure.HasService(name) {
		// A hidden dependent is restarted by the correlator when its parent
		// comes back.
		s.active = false
		return
	}

	gen := s.gen
	pl.p.registry.StartTimer(name, time.Duration(c.Interval)*time.Second, func() {
		pl.cycle(name, gen)
	})
}

func (pl *Poller) evaluate(c *Context, res process.Result, execErr error) {
	// A failed poll keeps the cached state. Mapping a failure to "off" is
	// for answering get requests only.
	if execErr != nil {
		c.LastError = execErr.Error()
		pl.p.opts.Metrics.pollCycle("error")
		pl.p.logger.Warn("poll command failed", "device", c.Name, "error", execErr)
		return
	}
	v, err := Evaluate(c, nil, res.Stdout)
	if err != nil {
		c.LastError = err.Error()
		pl.p.opts.Metrics.pollCycle("error")
		pl.p.logger.Warn("poll failed", "device", c.Name, "error", err)
		return
	}
	if !pl.p.applyState(c, v, SourcePoll) {
		pl.p.opts.Metrics.pollCycle("unchanged")
		return
	}
	pl.p.opts.Metrics.pollCycle("changed")
	pl.p.correlator.Correlate(c.Name, c.State)
}
