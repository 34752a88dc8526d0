/*
Copyright 2025 the Fedpress Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package events implements an in-process event bus with awaited delivery:
// Emit returns only after every subscriber has run, so side effects like
// feed fan-out complete before the emitting operation returns.
package events

import (
	"context"
	"fmt"
	"sync"
)

// Event names published by the federation core.
const (
	PostCreated       = "post.created"
	PostDeleted       = "post.deleted"
	PostLiked         = "post.liked"
	PostReposted      = "post.reposted"
	PostDereposted    = "post.dereposted"
	AccountFollowed   = "account.followed"
	AccountUnfollowed = "account.unfollowed"
	AccountUpdated    = "account.updated"
	AccountBlocked    = "account.blocked"
	FeedsUpdated      = "feeds.updated"
)

// Handler handles a single event. A non-nil error aborts the emit and
// propagates to the emitter.
type Handler func(ctx context.Context, event any) error

// Bus routes events to subscribers, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: map[string][]Handler{}}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit delivers an event to every subscriber sequentially and returns the
// first handler error, if any.
func (b *Bus) Emit(ctx context.Context, name string, event any) error {
	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("%s handler failed: %w", name, err)
		}
	}

	return nil
}
