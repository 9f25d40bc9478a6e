// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftq

import (
	"context"
	"sync"
)

// Connectivity reports whether the remote store is believed reachable.
// Subscribe returns a channel receiving the new state on every transition
// plus a cancel func releasing the subscription.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// Signal is a manually driven Connectivity implementation. The application
// shell flips it from whatever reachability source it has (OS callbacks,
// heartbeat probes); the engine only reads it.
type Signal struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewSignal creates a signal in the given initial state.
func NewSignal(online bool) *Signal {
	return &Signal{online: online, subs: make(map[int]chan bool)}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers on transitions. Setting
// the current state again is a no-op. Slow subscribers miss intermediate
// transitions rather than blocking the caller.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]chan bool, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
		}
	}
}

func (s *Signal) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 8)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// WatchConnectivity replays the queue whenever conn transitions to online.
// It blocks until ctx is cancelled; run it in its own goroutine.
func WatchConnectivity(ctx context.Context, conn Connectivity, q *Queue) {
	ch, cancel := conn.Subscribe()
	defer cancel()
	// Catch up on the current state so a transition that landed before the
	// subscription is not lost.
	if conn.Online() {
		_ = q.ProcessQueue(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if online {
				_ = q.ProcessQueue(ctx)
			}
		}
	}
}
