package chat

// Chains indexes proposal entries by their parent links. Entries are
// shared with the timeline, so status transitions applied on one side
// are visible on the other. The index is maintained incrementally as
// proposals are ingested; nothing rescans the timeline.
type Chains struct {
	byID  map[string]*Message // proposal id -> entry
	child map[string]string   // parent proposal id -> child proposal id
	order []string            // proposal ids, first-seen order
}

func NewChains() *Chains {
	return &Chains{
		byID:  make(map[string]*Message),
		child: make(map[string]string),
	}
}

// Track registers or refreshes a proposal entry.
func (c *Chains) Track(m *Message) {
	if m == nil || !m.IsProposal() {
		return
	}
	if _, seen := c.byID[m.ProposalID]; !seen {
		c.order = append(c.order, m.ProposalID)
	}
	c.byID[m.ProposalID] = m
	if m.ParentID != "" {
		c.child[m.ParentID] = m.ProposalID
	}
}

func (c *Chains) Get(proposalID string) (*Message, bool) {
	m, ok := c.byID[proposalID]
	return m, ok
}

// Superseded reports whether a newer proposal replaced this one.
func (c *Chains) Superseded(proposalID string) bool {
	_, ok := c.child[proposalID]
	return ok
}

// Interactive returns the proposal that currently accepts
// accept/reject/modify: the newest chain end still in the proposed
// state. Nil when nothing is actionable.
func (c *Chains) Interactive() *Message {
	for i := len(c.order) - 1; i >= 0; i-- {
		p := c.byID[c.order[i]]
		if c.Superseded(p.ProposalID) {
			continue
		}
		if p.Type == MessageTypeProposed {
			return p
		}
	}
	return nil
}

// Heads lists every chain end in first-seen order.
func (c *Chains) Heads() []*Message {
	var out []*Message
	for _, id := range c.order {
		if !c.Superseded(id) {
			out = append(out, c.byID[id])
		}
	}
	return out
}

// Chain returns the ancestry of a proposal oldest first, ending at the
// proposal itself. Traversal follows parent links, visits each id at
// most once, and stops at unknown references, so it terminates for any
// input.
func (c *Chains) Chain(proposalID string) []*Message {
	var rev []*Message
	seen := make(map[string]bool)
	for id := proposalID; id != "" && !seen[id]; {
		seen[id] = true
		p, ok := c.byID[id]
		if !ok {
			break
		}
		rev = append(rev, p)
		id = p.ParentID
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// CascadeClosureAccept marks every still-proposed closure proposal in
// the chain of proposalID as accepted and returns the changed entries.
// Called after a closure head was accepted so no closure step in the
// agreed chain is left dangling.
func (c *Chains) CascadeClosureAccept(proposalID string) []*Message {
	var changed []*Message
	for _, p := range c.Chain(proposalID) {
		if p.IsClosure && p.Type == MessageTypeProposed {
			p.Type = MessageTypeAccepted
			changed = append(changed, p)
		}
	}
	return changed
}
