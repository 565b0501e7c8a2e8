package graph

// TopologicalOrder returns every node id ordered producers first, together
// with the set of ids that sit on a dependency cycle. Connections to unknown
// nodes are ignored here.
func (g *Graph) TopologicalOrder() ([]string, map[string]bool) {
	var (
		index   = 0
		indices = make(map[string]int, len(g.nodes))
		lowlink = make(map[string]int, len(g.nodes))
		onStack = make(map[string]bool, len(g.nodes))
		stack   []string
		order   = make([]string, 0, len(g.nodes))
		cyclic  = make(map[string]bool)
	)

	var strongConnect func(id string)
	strongConnect = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		selfLoop := false
		for _, dep := range dependenciesOf(g.nodes[id]) {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			if dep == id {
				selfLoop = true
				continue
			}
			if _, visited := indices[dep]; !visited {
				strongConnect(dep)
				lowlink[id] = min(lowlink[id], lowlink[dep])
			} else if onStack[dep] {
				lowlink[id] = min(lowlink[id], indices[dep])
			}
		}

		if lowlink[id] != indices[id] {
			return
		}

		// id is the root of a component; pop it.
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || selfLoop {
			for _, c := range component {
				cyclic[c] = true
			}
		}
		// Components finish after everything they depend on.
		for i := len(component) - 1; i >= 0; i-- {
			order = append(order, component[i])
		}
	}

	for _, id := range g.order {
		if _, visited := indices[id]; !visited {
			strongConnect(id)
		}
	}
	return order, cyclic
}

// DetectCycles returns an error naming one node on a cycle, or nil when the
// graph is acyclic.
func (g *Graph) DetectCycles() error {
	order, cyclic := g.TopologicalOrder()
	for _, id := range order {
		if cyclic[id] {
			return &CycleError{NodeID: id}
		}
	}
	return nil
}

// CycleError reports a dependency cycle.
type CycleError struct {
	NodeID string
}

func (e *CycleError) Error() string {
	return "cycle detected involving node '" + e.NodeID + "'"
}
