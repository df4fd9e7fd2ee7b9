package session

import "sync/atomic"

// Connectivity tracks whether the network is reachable. The zero value is
// offline.
type Connectivity struct {
	online atomic.Bool
}

// NewConnectivity returns a tracker starting in the given state.
func NewConnectivity(online bool) *Connectivity {
	c := &Connectivity{}
	c.online.Store(online)
	return c
}

// SetOnline records a network status change.
func (c *Connectivity) SetOnline(online bool) {
	c.online.Store(online)
}

// IsOnline reports the last known network status.
func (c *Connectivity) IsOnline() bool {
	return c.online.Load()
}
