package api

import (
    "sync"
)

type SSEEvent struct {
    Type string
    Data map[string]any
}

type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan SSEEvent]struct{} // companyId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(companyID string) chan SSEEvent {
    ch := make(chan SSEEvent, 8)
    b.mu.Lock()
    if b.subs[companyID] == nil { b.subs[companyID] = map[chan SSEEvent]struct{}{} }
    b.subs[companyID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(companyID string, ch chan SSEEvent) {
    b.mu.Lock()
    if m := b.subs[companyID]; m != nil {
        delete(m, ch)
        if len(m) == 0 { delete(b.subs, companyID) }
    }
    b.mu.Unlock()
    close(ch)
}

func (b *Broker) Publish(companyID string, evt SSEEvent) {
    b.mu.Lock()
    m := b.subs[companyID]
    for ch := range m {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}
