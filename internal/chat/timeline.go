package chat

import "sort"

// Timeline is the merged, ordered history for one chat. Order is
// timestamp ascending with arrival order breaking ties. Ingest is
// idempotent: a known id updates the existing entry in place, which is
// how proposal status transitions arrive.
type Timeline struct {
	entries []*Message
	byID    map[string]*Message
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]*Message)}
}

func (t *Timeline) Len() int {
	return len(t.entries)
}

func (t *Timeline) Empty() bool {
	return len(t.entries) == 0
}

// Upsert merges one entry and reports whether it was newly inserted.
// The returned pointer is owned by the timeline; callers inside the
// package may mutate it to apply status transitions.
func (t *Timeline) Upsert(m Message) (*Message, bool) {
	if cur, ok := t.byID[m.ID]; ok {
		mergeEntry(cur, m)
		return cur, false
	}
	stored := new(Message)
	*stored = m
	idx := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Timestamp > m.Timestamp
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[idx+1:], t.entries[idx:])
	t.entries[idx] = stored
	t.byID[m.ID] = stored
	return stored, true
}

// mergeEntry applies the set fields of in to cur. Identity and the
// original timestamp stay fixed.
func mergeEntry(cur *Message, in Message) {
	if in.Content != "" {
		cur.Content = in.Content
	}
	if in.Type != "" {
		cur.Type = in.Type
	}
	if in.SenderID != "" {
		cur.SenderID = in.SenderID
	}
	if in.ChatID != "" {
		cur.ChatID = in.ChatID
	}
	if in.ProposalID != "" {
		cur.ProposalID = in.ProposalID
	}
	if in.ParentID != "" {
		cur.ParentID = in.ParentID
	}
	if in.IsClosure {
		cur.IsClosure = true
	}
}

// Replace swaps the whole history, used when an archived log stands in
// for a live one. Entries run through the same merge path so the
// ordering and dedup invariants hold for any input.
func (t *Timeline) Replace(ms []Message) {
	t.entries = nil
	t.byID = make(map[string]*Message, len(ms))
	for _, m := range ms {
		t.Upsert(m)
	}
}

func (t *Timeline) lookup(id string) (*Message, bool) {
	m, ok := t.byID[id]
	return m, ok
}

// Get returns a copy of the entry with the given id.
func (t *Timeline) Get(id string) (Message, bool) {
	if m, ok := t.byID[id]; ok {
		return *m, true
	}
	return Message{}, false
}

// Messages returns the ordered history as copies.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.entries))
	for i, m := range t.entries {
		out[i] = *m
	}
	return out
}
