// Copyright 2024 The Caldera.im Authors
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

package stateres

import (
	"sort"

	set "github.com/hashicorp/go-set/v3"
	"github.com/oleiade/lane/v2"
	"github.com/sirupsen/logrus"
)

// authChainBuilder computes full auth chains, fetching events from an
// EventStore and memoizing the chain of each event so that repeated
// lookups during a resolution run don't walk the graph again.
type authChainBuilder struct {
	store  EventStore
	chains map[string]*set.Set[string]
}

func newAuthChainBuilder(store EventStore) *authChainBuilder {
	return &authChainBuilder{
		store:  store,
		chains: make(map[string]*set.Set[string]),
	}
}

// chainFor returns the full auth chain of a single event: every event
// reachable by recursively following auth_events, not including the event
// itself. Events missing from the store terminate their branch of the walk.
func (b *authChainBuilder) chainFor(eventID string) *set.Set[string] {
	if chain, ok := b.chains[eventID]; ok {
		return chain
	}

	chain := set.New[string](0)
	// Memoize before walking so that a cycle in a malformed graph can't
	// recurse forever.
	b.chains[eventID] = chain

	event, ok := b.store.GetEvent(eventID)
	if !ok {
		logrus.WithField("event_id", eventID).Debug("Event missing from store while building auth chain")
		return chain
	}

	queue := lane.NewQueue[string]()
	for _, authEventID := range event.AuthEventIDs() {
		queue.Enqueue(authEventID)
	}
	for {
		id, ok := queue.Dequeue()
		if !ok {
			break
		}
		if chain.Contains(id) {
			continue
		}
		chain.Insert(id)
		authEvent, ok := b.store.GetEvent(id)
		if !ok {
			logrus.WithField("event_id", id).Debug("Event missing from store while building auth chain")
			continue
		}
		for _, authEventID := range authEvent.AuthEventIDs() {
			queue.Enqueue(authEventID)
		}
	}
	return chain
}

// chain returns the union of the full auth chains of the given events.
func (b *authChainBuilder) chain(eventIDs []string) *set.Set[string] {
	result := set.New[string](0)
	for _, eventID := range eventIDs {
		for _, id := range b.chainFor(eventID).Slice() {
			result.Insert(id)
		}
	}
	return result
}

// AuthChain returns the sorted union of the full auth chains of the given
// events, as computed over the given store. Events that the store can't
// supply contribute nothing to the chain.
func AuthChain(store EventStore, eventIDs ...string) []string {
	chain := newAuthChainBuilder(store).chain(eventIDs).Slice()
	sort.Strings(chain)
	return chain
}
