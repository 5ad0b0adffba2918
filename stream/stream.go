// Package stream delivers per-execution status change notifications.
// Intermediate transitions are at most once per subscriber; the terminal
// transition is always delivered, even to subscribers that fell behind or
// subscribed after the fact.
package stream

import (
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/model"
)

type StatusChange struct {
	ExecutionId string                `json:"executionId"`
	Status      model.ExecutionStatus `json:"status"`
	StepId      string                `json:"stepId,omitempty"`
	At          time.Time             `json:"at"`
}

const subscriberBuffer = 16

type subscriber struct {
	ch chan StatusChange
}

type Publisher struct {
	mu        sync.Mutex
	subs      map[string][]*subscriber
	terminals map[string]StatusChange
}

func NewPublisher() *Publisher {
	return &Publisher{
		subs:      make(map[string][]*subscriber),
		terminals: make(map[string]StatusChange),
	}
}

// Subscribe returns a channel of status changes for one execution and a
// cancel function. Subscribing to an already-terminal execution yields its
// terminal notification immediately.
func (p *Publisher) Subscribe(executionId string) (<-chan StatusChange, func()) {
	sub := &subscriber{ch: make(chan StatusChange, subscriberBuffer)}
	p.mu.Lock()
	if terminal, done := p.terminals[executionId]; done {
		p.mu.Unlock()
		sub.ch <- terminal
		close(sub.ch)
		return sub.ch, func() {}
	}
	p.subs[executionId] = append(p.subs[executionId], sub)
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		remaining := p.subs[executionId][:0]
		for _, s := range p.subs[executionId] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		p.subs[executionId] = remaining
	}
	return sub.ch, cancel
}

// Publish fans a transition out to subscribers. A full subscriber drops
// intermediate notifications; a terminal notification evicts the oldest
// buffered entry instead, so it always lands.
func (p *Publisher) Publish(change StatusChange) {
	terminal := change.Status.Terminal()
	p.mu.Lock()
	subs := p.subs[change.ExecutionId]
	if terminal {
		p.terminals[change.ExecutionId] = change
		delete(p.subs, change.ExecutionId)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- change:
		default:
			if terminal {
				select {
				case <-sub.ch:
				default:
				}
				sub.ch <- change
			}
		}
		if terminal {
			close(sub.ch)
		}
	}
}
