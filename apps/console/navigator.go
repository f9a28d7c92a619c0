package main

import (
	"fmt"
	"sync"
)

// terminalNavigator tracks the console's current view the way a browser
// tracks its location. A reload request is recorded for the main loop to
// honor by rebuilding the session from durable storage.
type terminalNavigator struct {
	mu          sync.Mutex
	location    string
	reloadAsked bool
}

func newTerminalNavigator(location string) *terminalNavigator {
	return &terminalNavigator{location: location}
}

func (n *terminalNavigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *terminalNavigator) To(path string, from ...string) {
	n.mu.Lock()
	n.location = path
	n.mu.Unlock()
	if len(from) > 0 && from[0] != "" {
		fmt.Printf("-> %s (from %s)\n", path, from[0])
		return
	}
	fmt.Printf("-> %s\n", path)
}

func (n *terminalNavigator) Reload() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloadAsked = true
}

// consumeReload reports and clears a pending reload request.
func (n *terminalNavigator) consumeReload() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	asked := n.reloadAsked
	n.reloadAsked = false
	return asked
}
