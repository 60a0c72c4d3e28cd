package realtime

import (
	"sync"

	"nestchat-widget-go/pkg/log"
)

// Subscription 是一次订阅的句柄，退订时原样交回。
type Subscription struct {
	conversationID string
	handler        func(Event)
}

// Broker 是进程内的实时事件代理。
// 事件总线消费者把归一化后的事件发布进来，代理按会话 ID 扇出给
// 所有订阅了该会话的流适配器。
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroker 创建一个新的事件代理。
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe 订阅指定会话的事件，返回订阅句柄。
func (b *Broker) Subscribe(conversationID string, handler func(Event)) *Subscription {
	sub := &Subscription{conversationID: conversationID, handler: handler}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[*Subscription]struct{})
	}
	b.subs[conversationID][sub] = struct{}{}
	return sub
}

// Unsubscribe 退订。对已退订的句柄重复调用是无害的。
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.conversationID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.conversationID)
		}
	}
}

// Publish 把事件分发给订阅了对应会话的全部处理器。
// 处理器在调用方的 goroutine 中同步执行，单个 panic 不影响其他订阅者。
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	set := b.subs[ev.ConversationID]
	handlers := make([]func(Event), 0, len(set))
	for sub := range set {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("实时事件处理器 panic: %v", r)
				}
			}()
			h(ev)
		}()
	}
}
