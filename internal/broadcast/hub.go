// Copyright 2026 Dominik Schlosser
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broadcast delivers exchange-completion events to the browser
// session that initiated a flow. Delivery is at-most-once: no
// acknowledgment, no retry, nothing buffered for absent subscribers.
// Subscribers reconcile by polling application status as a fallback.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Message is one broadcast payload.
type Message map[string]any

const subscriberBuffer = 8

// Hub is an in-process pub/sub keyed by session id. Channel keys are
// plain session ids, never the composite state string.
type Hub struct {
	log *logrus.Logger

	mu   sync.RWMutex
	subs map[string]map[chan Message]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		log:  log,
		subs: make(map[string]map[chan Message]struct{}),
	}
}

// Subscribe registers a listener on a channel and returns the message
// stream plus an unsubscribe func.
func (h *Hub) Subscribe(channel string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[chan Message]struct{})
	}
	h.subs[channel][ch] = struct{}{}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		if set, ok := h.subs[channel]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, channel)
			}
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// Broadcast delivers a payload to all current subscribers of a channel.
// It never blocks: with no subscriber, or a subscriber whose buffer is
// full, the message is dropped.
func (h *Hub) Broadcast(channel string, payload Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.subs[channel]
	if len(set) == 0 {
		h.log.WithField("channel", channel).Debug("broadcast dropped: no subscriber")
		return
	}
	for ch := range set {
		select {
		case ch <- payload:
		default:
			h.log.WithField("channel", channel).Debug("broadcast dropped: subscriber buffer full")
		}
	}
}
