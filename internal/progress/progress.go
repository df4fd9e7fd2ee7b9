// Package progress reports multi-step progress of sync and upload runs.
package progress

import (
	"sync"
)

// Reporter receives progress from long-running operations. StartOne opens a
// nested step and returns the reporter for it; FinishOne closes one step of
// the receiver.
type Reporter interface {
	SetTotal(total int)
	StartOne(name string, total int) Reporter
	FinishOne()
	AddMessage(msg string)
	AddWarning(msg string)
	FatalError(msg string)
}

// Discard returns a Reporter that drops everything.
func Discard() Reporter { return discard{} }

type discard struct{}

func (discard) SetTotal(int) {}
func (d discard) StartOne(string, int) Reporter { return d }
func (discard) FinishOne() {}
func (discard) AddMessage(string) {}
func (discard) AddWarning(string) {}
func (discard) FatalError(string) {}

// OrDiscard returns r, or a discarding Reporter when r is nil.
func OrDiscard(r Reporter) Reporter {
	if r == nil {
		return Discard()
	}
	return r
}

// Snapshot is a point-in-time copy of a Notifier.
type Snapshot struct {
	Name     string     `json:"name,omitempty"`
	Total    int        `json:"total"`
	Finished int        `json:"finished"`
	Messages []string   `json:"messages,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Fatal    string     `json:"fatal,omitempty"`
	Children []Snapshot `json:"children,omitempty"`
}

// Notifier records progress in memory. Messages and warnings of nested steps
// are also collected on the root so callers can read them in one place.
// Safe for concurrent use.
type Notifier struct {
	mu       *sync.Mutex
	root     *Notifier
	name     string
	total    int
	finished int
	messages []string
	warnings []string
	fatal    string
	children []*Notifier
	onChange func(Snapshot)
}

// NewNotifier creates a root Notifier. onChange, when not nil, is called with
// a snapshot of the root after every update.
func NewNotifier(onChange func(Snapshot)) *Notifier {
	n := &Notifier{mu: &sync.Mutex{}, onChange: onChange}
	n.root = n
	return n
}

func (n *Notifier) SetTotal(total int) {
	n.update(func() { n.total = total })
}

func (n *Notifier) StartOne(name string, total int) Reporter {
	child := &Notifier{mu: n.mu, root: n.root, name: name, total: total}
	n.update(func() { n.children = append(n.children, child) })
	return child
}

func (n *Notifier) FinishOne() {
	n.update(func() { n.finished++ })
}

func (n *Notifier) AddMessage(msg string) {
	n.update(func() {
		n.messages = append(n.messages, msg)
		if n.root != n {
			n.root.messages = append(n.root.messages, msg)
		}
	})
}

func (n *Notifier) AddWarning(msg string) {
	n.update(func() {
		n.warnings = append(n.warnings, msg)
		if n.root != n {
			n.root.warnings = append(n.root.warnings, msg)
		}
	})
}

func (n *Notifier) FatalError(msg string) {
	n.update(func() {
		n.fatal = msg
		n.root.fatal = msg
	})
}

// Warnings returns every warning recorded on this step and, for the root,
// on all nested steps.
func (n *Notifier) Warnings() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.warnings...)
}

// Messages returns every message recorded, like Warnings.
func (n *Notifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

// Fatal returns the last fatal error, if any.
func (n *Notifier) Fatal() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fatal
}

// Snapshot copies the current state of n and its nested steps.
func (n *Notifier) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotLocked()
}

func (n *Notifier) snapshotLocked() Snapshot {
	s := Snapshot{
		Name:     n.name,
		Total:    n.total,
		Finished: n.finished,
		Messages: append([]string(nil), n.messages...),
		Warnings: append([]string(nil), n.warnings...),
		Fatal:    n.fatal,
	}
	for _, child := range n.children {
		s.Children = append(s.Children, child.snapshotLocked())
	}
	return s
}

func (n *Notifier) update(fn func()) {
	n.mu.Lock()
	fn()
	var snap Snapshot
	notify := n.root.onChange
	if notify != nil {
		snap = n.root.snapshotLocked()
	}
	n.mu.Unlock()
	if notify != nil {
		notify(snap)
	}
}
