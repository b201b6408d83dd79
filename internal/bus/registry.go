package bus

import "sync"

// registry indexes subscriptions by message type. Publishes take the
// read lock; subscribe/unsubscribe take the write lock. Within one
// type, subscriptions keep registration order, which is the Immediate
// dispatch order.
type registry struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
	byID map[string]*Subscription
}

func newRegistry() *registry {
	return &registry{
		subs: make(map[string][]*Subscription),
		byID: make(map[string]*Subscription),
	}
}

func (r *registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.msgType] = append(r.subs[sub.msgType], sub)
	r.byID[sub.id] = sub
}

func (r *registry) remove(subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[subID]
	if !ok {
		return false
	}
	list := r.subs[sub.msgType]
	for i, s := range list {
		if s.id == subID {
			r.subs[sub.msgType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[sub.msgType]) == 0 {
		delete(r.subs, sub.msgType)
	}
	delete(r.byID, subID)
	return true
}

func (r *registry) get(subID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[subID]
	return sub, ok
}

// match returns a copy of the subscriptions for a type, in
// registration order, skipping cancelled entries.
func (r *registry) match(msgType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.subs[msgType]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(list))
	for _, sub := range list {
		if sub.IsActive() {
			out = append(out, sub)
		}
	}
	return out
}

// pruneCancelled removes cancelled subscriptions. Called from write
// paths so handlers can Cancel their own subscription during dispatch
// without deadlocking.
func (r *registry) pruneCancelled() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, sub := range r.byID {
		if sub.IsActive() {
			continue
		}
		list := r.subs[sub.msgType]
		for i, s := range list {
			if s.id == id {
				r.subs[sub.msgType] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.subs[sub.msgType]) == 0 {
			delete(r.subs, sub.msgType)
		}
		delete(r.byID, id)
		removed++
	}
	return removed
}

func (r *registry) countActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sub := range r.byID {
		if sub.IsActive() {
			count++
		}
	}
	return count
}

func (r *registry) bySubscriber(subscriber string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.byID {
		if sub.subscriber == subscriber {
			out = append(out, sub)
		}
	}
	return out
}
