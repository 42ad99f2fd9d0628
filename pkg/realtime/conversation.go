package realtime

import "sync"

// Conversation is an ordered, in-memory projection of a session's items,
// maintained by applying the session's event stream. It is the read model
// the console renders from: after every mutating event the full item list is
// re-read rather than patched piecemeal.
//
// Conversation is safe for concurrent use. Snapshots returned by Items and
// Item are value copies; their Audio slices may share backing arrays with
// live items, which is safe because audio bytes within a snapshot's length
// are never rewritten in place.
type Conversation struct {
	mu    sync.Mutex
	order []string
	items map[string]*Item
}

// NewConversation returns an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{items: make(map[string]*Item)}
}

// Apply folds one session event into the conversation and reports whether
// the item list changed. Events that carry no conversation state, such as
// interruptions and response boundaries, return false.
//
// Text and transcript content only ever grows or is replaced by a non-empty
// final value; a completed-item event with empty fields never erases
// accumulated deltas.
func (c *Conversation) Apply(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case EventItemCreated:
		if _, ok := c.items[ev.ItemID]; ok || ev.ItemID == "" {
			return false
		}
		c.insert(&Item{ID: ev.ItemID, Role: ev.Role, Status: ItemInProgress})
		return true

	case EventAudioDelta:
		it := c.ensure(ev.ItemID, RoleAssistant)
		if it == nil {
			return false
		}
		it.Audio = append(it.Audio, ev.Audio...)
		return true

	case EventTextDelta:
		it := c.ensure(ev.ItemID, RoleAssistant)
		if it == nil {
			return false
		}
		it.Text += ev.Text
		return true

	case EventTranscriptDelta:
		it := c.ensure(ev.ItemID, RoleAssistant)
		if it == nil {
			return false
		}
		it.Transcript += ev.Text
		return true

	case EventInputTranscript:
		it, ok := c.items[ev.ItemID]
		if !ok || ev.Transcript == "" {
			return false
		}
		it.Transcript = ev.Transcript
		return true

	case EventItemCompleted:
		it, ok := c.items[ev.ItemID]
		if !ok {
			return false
		}
		it.Status = ItemCompleted
		if ev.Text != "" {
			it.Text = ev.Text
		}
		if ev.Transcript != "" {
			it.Transcript = ev.Transcript
		}
		return true

	case EventItemTruncated:
		it, ok := c.items[ev.ItemID]
		if !ok {
			return false
		}
		n := ev.AudioEndMS * ModelSampleRate / 1000 * 2
		if n < 0 {
			n = 0
		}
		if n < len(it.Audio) {
			// Fresh backing array so earlier snapshots never observe bytes
			// appended after the cut.
			it.Audio = append([]byte(nil), it.Audio[:n]...)
		}
		it.Status = ItemIncomplete
		return true

	case EventItemDeleted:
		if _, ok := c.items[ev.ItemID]; !ok {
			return false
		}
		delete(c.items, ev.ItemID)
		for i, id := range c.order {
			if id == ev.ItemID {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		return true
	}
	return false
}

// Items returns value copies of all items in conversation order.
func (c *Conversation) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.items[id])
	}
	return out
}

// Item returns a value copy of the item with the given ID.
func (c *Conversation) Item(id string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Len returns the number of items.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// insert appends the item, assuming c.mu is held and the ID is new.
func (c *Conversation) insert(it *Item) {
	c.items[it.ID] = it
	c.order = append(c.order, it.ID)
}

// ensure returns the item with the given ID, creating an in-progress
// placeholder when a delta outruns its item_created event. Empty IDs are
// rejected.
func (c *Conversation) ensure(id string, role Role) *Item {
	if id == "" {
		return nil
	}
	it, ok := c.items[id]
	if !ok {
		it = &Item{ID: id, Role: role, Status: ItemInProgress}
		c.insert(it)
	}
	return it
}
