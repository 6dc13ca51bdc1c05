package console

import "strings"

// Gate decides which senders may issue commands. The set of operators
// is fixed when the gate is created.
type Gate struct {
	operators map[string]struct{}
}

// NewGate returns a gate allowing the given operator identities. Blank
// identities are ignored.
func NewGate(operators ...string) *Gate {
	g := &Gate{operators: make(map[string]struct{}, len(operators))}
	for _, op := range operators {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		g.operators[op] = struct{}{}
	}
	return g
}

// Authorized reports whether senderID is an operator.
func (g *Gate) Authorized(senderID string) bool {
	if g == nil || senderID == "" {
		return false
	}
	_, ok := g.operators[senderID]
	return ok
}

// Len returns the number of operators.
func (g *Gate) Len() int {
	if g == nil {
		return 0
	}
	return len(g.operators)
}
