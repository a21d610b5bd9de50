package accessory

import "slices"

// Correlator keeps the exposed services of linked devices in step with their
// parent's state: a truthy parent shows its dependents, a falsy one hides
// them.
//
// Both directions are idempotent. The exposure layer's HasService is the
// single source of truth for whether a dependent is currently shown, which
// also bounds recursion through a link cycle.
type Correlator struct {
	p *Platform
}

func newCorrelator(p *Platform) *Correlator {
	return &Correlator{p: p}
}

// Correlate applies parentState to every device linked to parent.
func (co *Correlator) Correlate(parent string, parentState Value) {
	active := Truthy(parentState)
	for _, child := range co.p.registry.ListByLink(parent) {
		co.apply(child, active)
	}
}

func (co *Correlator) apply(c *Context, active bool) {
	exposure := co.p.opts.Exposure
	shown := exposure.HasService(c.Name)

	switch {
	case active && !shown:
		if err := exposure.AddService(c.Snapshot()); err != nil {
			co.p.logger.Error("adding linked service failed", "device", c.Name, "link", c.Link, "error", err)
			return
		}
		co.p.opts.Metrics.correlation("add")
		co.p.logger.Info("linked service added", "device", c.Name, "link", c.Link)

		if !co.p.probe(c) {
			co.p.pushState(c)
		}
		co.p.setReachable(c, true)
		co.p.poller.Start(c.Name)
		co.Correlate(c.Name, c.State)

	case !active && shown:
		co.p.poller.Stop(c.Name)
		if err := exposure.RemoveService(c.Name); err != nil {
			co.p.logger.Error("removing linked service failed", "device", c.Name, "link", c.Link, "error", err)
			return
		}
		co.p.opts.Metrics.correlation("remove")
		co.p.logger.Info("linked service removed", "device", c.Name, "link", c.Link)

		co.p.setReachable(c, false)
		co.Correlate(c.Name, false)
	}
}

// DetectCycles returns every link cycle among devices, each as the list of
// names along the cycle. Links to unregistered names are ignored.
func DetectCycles(contexts []*Context) [][]string {
	links := make(map[string]string, len(contexts))
	for _, c := range contexts {
		if c.Link != "" {
			links[c.Name] = c.Link
		}
	}

	var cycles [][]string
	done := make(map[string]bool, len(links))
	for _, c := range contexts {
		start := c.Name
		if done[start] {
			continue
		}

		var path []string
		onPath := make(map[string]int)
		for name := start; name != ""; name = links[name] {
			if i, ok := onPath[name]; ok {
				cycles = append(cycles, slices.Clone(path[i:]))
				break
			}
			if done[name] {
				break
			}
			onPath[name] = len(path)
			path = append(path, name)
		}
		for _, name := range path {
			done[name] = true
		}
	}
	return cycles
}
