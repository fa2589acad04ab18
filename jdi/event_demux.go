package jdi

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultOrphanBuffer 暂存未绑定订阅的事件数量
const DefaultOrphanBuffer = 64

// EventMessage 投递给订阅者的单个事件
type EventMessage struct {
	SuspendPolicy constants.SuspendPolicy
	Event         protocol.Event
}

// EventObserver 在读协程中同步观察每个事件，不能阻塞
type EventObserver interface {
	ObserveEvent(policy constants.SuspendPolicy, ev protocol.Event)
}

// ObserverPhase 观察者执行的时机
type ObserverPhase int

const (
	// BeforeDelivery 投递给订阅者之前执行，例如更新挂起计数
	BeforeDelivery ObserverPhase = iota
	// AfterDelivery 投递之后执行，例如一次性请求的自动清除
	AfterDelivery
)

type subscriptionMode int

const (
	modeUnbound subscriptionMode = iota
	modeRequest
	modeKind
	modeAll
)

// EventDemux 把事件包拆开分发给订阅者
// Dispatch只在读协程中调用，投递不会阻塞在订阅者上
type EventDemux struct {
	log *logrus.Entry

	mu        sync.RWMutex
	nextSubID uint64
	byRequest map[protocol.EventRequestID]map[uint64]*Subscription
	byKind    map[constants.EventKind]map[uint64]*Subscription
	all       map[uint64]*Subscription
	orphans   *circularbuffer.Queue
	closed    bool

	observerMu sync.RWMutex
	before     []EventObserver
	after      []EventObserver
}

func NewEventDemux(orphanBuffer int, log *logrus.Entry) *EventDemux {
	if orphanBuffer <= 0 {
		orphanBuffer = DefaultOrphanBuffer
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &EventDemux{
		log:       log,
		byRequest: map[protocol.EventRequestID]map[uint64]*Subscription{},
		byKind:    map[constants.EventKind]map[uint64]*Subscription{},
		all:       map[uint64]*Subscription{},
		orphans:   circularbuffer.New(orphanBuffer),
	}
}

// AddObserver 注册同步观察者
func (d *EventDemux) AddObserver(phase ObserverPhase, o EventObserver) {
	d.observerMu.Lock()
	defer d.observerMu.Unlock()
	if phase == BeforeDelivery {
		d.before = append(d.before, o)
	} else {
		d.after = append(d.after, o)
	}
}

// NewSubscription 创建一个未绑定的订阅，之后通过Bind绑定请求id
func (d *EventDemux) NewSubscription() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newSubscriptionLocked()
}

func (d *EventDemux) newSubscriptionLocked() *Subscription {
	d.nextSubID++
	s := &Subscription{
		id:     d.nextSubID,
		demux:  d,
		queue:  linkedlistqueue.New(),
		notify: make(chan struct{}, 1),
	}
	if d.closed {
		s.ended = true
	}
	return s
}

// Subscribe 订阅某个请求id的事件
func (d *EventDemux) Subscribe(id protocol.EventRequestID) *Subscription {
	s := d.NewSubscription()
	_ = d.Bind(s, id)
	return s
}

// SubscribeUnfiltered 订阅某种与请求无关的事件，例如VMStart、VMDeath
// VMDeath会广播给所有此类订阅
func (d *EventDemux) SubscribeUnfiltered(kind constants.EventKind) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.newSubscriptionLocked()
	if d.closed {
		return s
	}
	s.mode = modeKind
	s.kind = kind
	if d.byKind[kind] == nil {
		d.byKind[kind] = map[uint64]*Subscription{}
	}
	d.byKind[kind][s.id] = s
	return s
}

// SubscribeAll 订阅所有事件，即合并后的事件流
func (d *EventDemux) SubscribeAll() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.newSubscriptionLocked()
	if d.closed {
		return s
	}
	s.mode = modeAll
	d.all[s.id] = s
	return s
}

// Bind 将订阅绑定到请求id，暂存的同id事件会立即投递，返回投递的暂存事件数
func (d *EventDemux) Bind(s *Subscription, id protocol.EventRequestID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || s.isEnded() {
		return 0
	}
	d.unbindLocked(s)
	s.mode = modeRequest
	s.request = id
	if d.byRequest[id] == nil {
		d.byRequest[id] = map[uint64]*Subscription{}
	}
	d.byRequest[id][s.id] = s

	if d.orphans.Empty() {
		return 0
	}
	drained := 0
	kept := make([]interface{}, 0, d.orphans.Size())
	for _, item := range d.orphans.Values() {
		msg := item.(EventMessage)
		if msg.Event.RequestID() == id {
			s.push(msg)
			drained++
		} else {
			kept = append(kept, msg)
		}
	}
	d.orphans.Clear()
	for _, msg := range kept {
		d.orphans.Enqueue(msg)
	}
	return drained
}

// Unbind 解除订阅与请求id的绑定，订阅本身保持打开
func (d *EventDemux) Unbind(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unbindLocked(s)
}

// Forget 丢弃某个请求id暂存的事件，请求删除时调用
func (d *EventDemux) Forget(id protocol.EventRequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.orphans.Empty() {
		return
	}
	kept := make([]interface{}, 0, d.orphans.Size())
	for _, item := range d.orphans.Values() {
		if item.(EventMessage).Event.RequestID() != id {
			kept = append(kept, item)
		}
	}
	d.orphans.Clear()
	for _, item := range kept {
		d.orphans.Enqueue(item)
	}
}

func (d *EventDemux) unbindLocked(s *Subscription) {
	switch s.mode {
	case modeRequest:
		if subs := d.byRequest[s.request]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(d.byRequest, s.request)
			}
		}
	case modeKind:
		if subs := d.byKind[s.kind]; subs != nil {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(d.byKind, s.kind)
			}
		}
	case modeAll:
		delete(d.all, s.id)
	}
	s.mode = modeUnbound
}

// Dispatch 分发一个事件包，包内每个事件独立投递
func (d *EventDemux) Dispatch(set *protocol.EventSet) {
	for _, ev := range set.Events {
		msg := EventMessage{SuspendPolicy: set.SuspendPolicy, Event: ev}
		d.observe(d.beforeObservers(), msg)
		d.deliver(msg)
		d.observe(d.afterObservers(), msg)
	}
}

func (d *EventDemux) beforeObservers() []EventObserver {
	d.observerMu.RLock()
	defer d.observerMu.RUnlock()
	return d.before
}

func (d *EventDemux) afterObservers() []EventObserver {
	d.observerMu.RLock()
	defer d.observerMu.RUnlock()
	return d.after
}

func (d *EventDemux) observe(observers []EventObserver, msg EventMessage) {
	for _, o := range observers {
		o.ObserveEvent(msg.SuspendPolicy, msg.Event)
	}
}

func (d *EventDemux) deliver(msg EventMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	kind := msg.Event.Kind()
	delivered := false
	if id := msg.Event.RequestID(); id != 0 {
		for _, s := range d.byRequest[id] {
			s.push(msg)
			delivered = true
		}
		if !delivered {
			d.orphans.Enqueue(msg)
		}
	}
	if kind == constants.EventVMDeath || kind == constants.EventVMDisconnected {
		for _, subs := range d.byKind {
			for _, s := range subs {
				s.push(msg)
				delivered = true
			}
		}
	} else {
		for _, s := range d.byKind[kind] {
			s.push(msg)
			delivered = true
		}
	}
	for _, s := range d.all {
		s.push(msg)
		delivered = true
	}
	if !delivered {
		d.log.Debugf("[EventDemux] drop %s event of request %d", kind, msg.Event.RequestID())
	}
}

// Close 结束所有订阅，已排队的事件仍可读取，之后Next返回ErrSubscriptionClosed
func (d *EventDemux) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	ended := 0
	for _, subs := range d.byRequest {
		for _, s := range subs {
			s.end()
			ended++
		}
	}
	for _, subs := range d.byKind {
		for _, s := range subs {
			s.end()
			ended++
		}
	}
	for _, s := range d.all {
		s.end()
		ended++
	}
	d.byRequest = map[protocol.EventRequestID]map[uint64]*Subscription{}
	d.byKind = map[constants.EventKind]map[uint64]*Subscription{}
	d.all = map[uint64]*Subscription{}
	d.orphans.Clear()
	d.log.Infof("[EventDemux] closed, %d subscriptions ended", ended)
}

// Subscription 一个事件序列，按事件包到达的顺序投递
type Subscription struct {
	id      uint64
	demux   *EventDemux
	mode    subscriptionMode
	request protocol.EventRequestID
	kind    constants.EventKind

	mu     sync.Mutex
	queue  *linkedlistqueue.Queue
	notify chan struct{}
	ended  bool
}

func (s *Subscription) push(msg EventMessage) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue.Enqueue(msg)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// end 不再接收新事件，已排队的事件仍然可以读取
func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// TryNext 非阻塞地取出一个事件
func (s *Subscription) TryNext() (EventMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue.Dequeue()
	if !ok {
		return EventMessage{}, false
	}
	return item.(EventMessage), true
}

// Next 等待下一个事件
// 订阅结束且队列为空时返回ErrSubscriptionClosed，ctx结束时返回ctx.Err()
func (s *Subscription) Next(ctx context.Context) (EventMessage, error) {
	for {
		s.mu.Lock()
		item, ok := s.queue.Dequeue()
		ended := s.ended
		s.mu.Unlock()
		if ok {
			return item.(EventMessage), nil
		}
		if ended {
			// 让其他等待者也能观察到结束
			s.signal()
			return EventMessage{}, e.ErrSubscriptionClosed
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return EventMessage{}, ctx.Err()
		}
	}
}

// Len 已排队未读取的事件数
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Size()
}

// Close 取消订阅并丢弃未读取的事件
func (s *Subscription) Close() {
	s.demux.Unbind(s)
	s.mu.Lock()
	s.ended = true
	s.queue.Clear()
	s.mu.Unlock()
	s.signal()
}

// Finish 解除绑定，已排队的事件读完后序列结束
func (s *Subscription) Finish() {
	s.demux.Unbind(s)
	s.end()
}
