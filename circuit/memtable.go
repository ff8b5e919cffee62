package circuit

import "sync"

// MemRoutingTable is an in-memory RoutingTable, used by tests, by the
// multi-node integration harness (internal/testutils/testcircuit), and as
// the seed-file-backed table a single-process daemon boots with. A full
// deployment backs RoutingTable with the node registry/admin store instead.
type MemRoutingTable struct {
	mu       sync.RWMutex
	circuits map[CircuitID]*Circuit
	services map[ServiceID]*Service
	nodes    map[NodeID]*Node
}

func NewMemRoutingTable() *MemRoutingTable {
	return &MemRoutingTable{
		circuits: make(map[CircuitID]*Circuit),
		services: make(map[ServiceID]*Service),
		nodes:    make(map[NodeID]*Node),
	}
}

func (t *MemRoutingTable) PutCircuit(c *Circuit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.circuits[c.ID] = c
}

func (t *MemRoutingTable) PutService(s *Service) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services[s.ServiceID] = s
}

func (t *MemRoutingTable) PutNode(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.NodeID] = n
}

func (t *MemRoutingTable) RemoveCircuit(id CircuitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.circuits, id)
}

func (t *MemRoutingTable) GetCircuit(id CircuitID) (*Circuit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.circuits[id]
	return c, ok
}

func (t *MemRoutingTable) GetService(id ServiceID) (*Service, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.services[id]
	return s, ok
}

func (t *MemRoutingTable) GetNode(id NodeID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// NewRoster builds a Circuit's roster set from a list of service ids, for
// concise test/fixture construction.
func NewRoster(services ...ServiceID) map[ServiceID]struct{} {
	roster := make(map[ServiceID]struct{}, len(services))
	for _, s := range services {
		roster[s] = struct{}{}
	}
	return roster
}
