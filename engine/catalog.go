/*
Package engine provides the reward and spend policies built on the ledger.

PURPOSE:
  Each engine is a pure mapping from a domain event to a ledger call:
  daily-login streaks, progress-tracked earn events, task claims, shop
  purchases, and admin grants. Engines own the idempotency/dedupe key
  derivation so that retries and re-deliveries are absorbed by the ledger.

CATALOG (this file):
  Task and shop-item definitions are static content consumed as read-only
  configuration. Nothing here is persisted: the catalog ships with the
  service and changes only on deploy.

SEE ALSO:
  - dailylogin.go, progress.go, tasks.go, shop.go, admin.go
  - ledger package: the mutation primitives engines compose
*/
package engine

import (
	"fmt"
	"sort"
)

// =============================================================================
// CONTENT TYPES
// =============================================================================

// Task is a claimable mission: reach Target qualifying events in one day,
// then claim Reward through the ledger.
type Task struct {
	ID       string
	Name     string
	EventKey string // which earn event advances this task
	Target   int64
	Reward   int64
}

// Item is a shop entry purchasable at most once per user.
type Item struct {
	ID      string
	Name    string
	Price   int64
	Enabled bool
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the read-only content the engines consult.
type Catalog struct {
	tasks        map[string]Task
	items        map[string]Item
	byEvent      map[string][]Task
	grantAmounts map[string]int64 // admin amount keys
}

// NewCatalog builds a catalog, rejecting duplicate or malformed entries.
func NewCatalog(tasks []Task, items []Item, grantAmounts map[string]int64) (*Catalog, error) {
	c := &Catalog{
		tasks:        make(map[string]Task, len(tasks)),
		items:        make(map[string]Item, len(items)),
		byEvent:      make(map[string][]Task),
		grantAmounts: make(map[string]int64, len(grantAmounts)),
	}
	for _, t := range tasks {
		if t.ID == "" || t.EventKey == "" || t.Target <= 0 || t.Reward <= 0 {
			return nil, fmt.Errorf("malformed task %q", t.ID)
		}
		if _, dup := c.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task %q", t.ID)
		}
		c.tasks[t.ID] = t
		c.byEvent[t.EventKey] = append(c.byEvent[t.EventKey], t)
	}
	for _, it := range items {
		if it.ID == "" || it.Price <= 0 {
			return nil, fmt.Errorf("malformed item %q", it.ID)
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item %q", it.ID)
		}
		c.items[it.ID] = it
	}
	for k, v := range grantAmounts {
		if v <= 0 {
			return nil, fmt.Errorf("malformed grant amount %q", k)
		}
		c.grantAmounts[k] = v
	}
	return c, nil
}

// Task returns the task definition.
func (c *Catalog) Task(id string) (Task, bool) {
	t, ok := c.tasks[id]
	return t, ok
}

// Item returns the item definition.
func (c *Catalog) Item(id string) (Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

// Tasks returns every task, sorted by id.
func (c *Catalog) Tasks() []Task {
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Items returns every item, sorted by id.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TasksForEvent returns the tasks advanced by an earn event key.
func (c *Catalog) TasksForEvent(eventKey string) []Task {
	return c.byEvent[eventKey]
}

// GrantAmount resolves an admin amount key to its configured amount.
func (c *Catalog) GrantAmount(key string) (int64, bool) {
	v, ok := c.grantAmounts[key]
	return v, ok
}

// DefaultCatalog returns the built-in content set.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		[]Task{
			{ID: "task_chatty", Name: "Send 10 messages", EventKey: "message", Target: 10, Reward: 20},
			{ID: "task_social", Name: "Send 50 messages", EventKey: "message", Target: 50, Reward: 80},
			{ID: "task_caller", Name: "Start 3 calls", EventKey: "call", Target: 3, Reward: 30},
		},
		[]Item{
			{ID: "item_frame_gold", Name: "Gold avatar frame", Price: 500, Enabled: true},
			{ID: "item_badge_star", Name: "Star badge", Price: 120, Enabled: true},
			{ID: "item_theme_night", Name: "Night theme", Price: 80, Enabled: true},
			{ID: "item_legacy_hat", Name: "Legacy hat", Price: 60, Enabled: false},
		},
		map[string]int64{
			"compensation_small": 50,
			"compensation_large": 500,
			"event_prize":        200,
		},
	)
	if err != nil {
		panic(err) // built-in content is validated at compile-adjacent time
	}
	return c
}
