package jdi

import (
	"context"
	"testing"
	"time"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func breakpointEvent(id protocol.EventRequestID, thread protocol.ThreadID) *protocol.BreakpointEvent {
	ev := &protocol.BreakpointEvent{}
	ev.Request = id
	ev.Thread = thread
	return ev
}

func eventSet(policy constants.SuspendPolicy, events ...protocol.Event) *protocol.EventSet {
	return &protocol.EventSet{SuspendPolicy: policy, Events: events}
}

func nextEvent(t *testing.T, s *Subscription) EventMessage {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msg, err := s.Next(ctx)
	require.Nil(t, err)
	return msg
}

func TestEventDemux_RouteByRequest(t *testing.T) {
	demux := NewEventDemux(0, nil)
	first := demux.Subscribe(1)
	second := demux.Subscribe(2)
	all := demux.SubscribeAll()

	// 同一个事件包中的事件分别投递
	demux.Dispatch(eventSet(constants.SuspendAll,
		breakpointEvent(1, 10),
		&protocol.ClassUnloadEvent{Signature: "LGone;"},
		breakpointEvent(2, 11),
	))

	msg := nextEvent(t, first)
	assert.Equal(t, protocol.EventRequestID(1), msg.Event.RequestID())
	assert.Equal(t, constants.SuspendAll, msg.SuspendPolicy)
	assert.Equal(t, 0, first.Len())

	msg = nextEvent(t, second)
	thread, _ := protocol.ThreadOf(msg.Event)
	assert.Equal(t, protocol.ThreadID(11), thread)

	assert.Equal(t, 3, all.Len())
	kinds := []constants.EventKind{}
	for all.Len() > 0 {
		msg, _ := all.TryNext()
		kinds = append(kinds, msg.Event.Kind())
	}
	assert.Equal(t, []constants.EventKind{constants.EventBreakpoint, constants.EventClassUnload, constants.EventBreakpoint}, kinds)
}

func TestEventDemux_Ordering(t *testing.T) {
	demux := NewEventDemux(0, nil)
	sub := demux.Subscribe(5)
	for i := 1; i <= 20; i++ {
		demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(5, protocol.ThreadID(i))))
	}
	for i := 1; i <= 20; i++ {
		thread, _ := protocol.ThreadOf(nextEvent(t, sub).Event)
		assert.Equal(t, protocol.ThreadID(i), thread)
	}
}

func TestEventDemux_OrphanBinding(t *testing.T) {
	demux := NewEventDemux(4, nil)
	// 设置请求的回复与绑定订阅之间到达的事件
	demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(8, 1)))
	demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(9, 2)))

	sub := demux.NewSubscription()
	assert.Equal(t, 1, demux.Bind(sub, 8))
	msg := nextEvent(t, sub)
	assert.Equal(t, protocol.EventRequestID(8), msg.Event.RequestID())

	demux.Forget(9)
	late := demux.NewSubscription()
	assert.Equal(t, 0, demux.Bind(late, 9))

	// 暂存区满时覆盖最早的事件
	for i := 0; i < 6; i++ {
		demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(protocol.EventRequestID(100+i), 1)))
	}
	assert.Equal(t, 0, demux.Bind(demux.NewSubscription(), 100))
	assert.Equal(t, 1, demux.Bind(demux.NewSubscription(), 105))
}

func TestEventDemux_VMDeathBroadcast(t *testing.T) {
	demux := NewEventDemux(0, nil)
	start := demux.SubscribeUnfiltered(constants.EventVMStart)
	death := demux.SubscribeUnfiltered(constants.EventVMDeath)
	threads := demux.SubscribeUnfiltered(constants.EventThreadStart)

	demux.Dispatch(eventSet(constants.SuspendNone, &protocol.VMStartEvent{Thread: 1}))
	assert.Equal(t, 1, start.Len())
	assert.Equal(t, 0, death.Len())
	assert.Equal(t, 0, threads.Len())

	demux.Dispatch(eventSet(constants.SuspendNone, &protocol.VMDeathEvent{}))
	assert.Equal(t, 2, start.Len())
	assert.Equal(t, 1, death.Len())
	assert.Equal(t, 1, threads.Len())
}

func TestEventDemux_Observers(t *testing.T) {
	demux := NewEventDemux(0, nil)
	sub := demux.Subscribe(1)
	var order []string
	demux.AddObserver(AfterDelivery, observerFunc(func(constants.SuspendPolicy, protocol.Event) {
		order = append(order, "after")
		assert.Equal(t, 1, sub.Len())
	}))
	demux.AddObserver(BeforeDelivery, observerFunc(func(constants.SuspendPolicy, protocol.Event) {
		order = append(order, "before")
		assert.Equal(t, 0, sub.Len())
	}))
	demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(1, 1)))
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestEventDemux_CloseEndsSubscriptions(t *testing.T) {
	demux := NewEventDemux(0, nil)
	sub := demux.Subscribe(1)
	demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(1, 1)))

	waiting := demux.SubscribeAll()
	result := make(chan error, 1)
	go func() {
		_, err := waiting.Next(context.Background())
		result <- err
	}()
	demux.Close()

	// 已排队的事件仍可读取
	_ = nextEvent(t, sub)
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)
	select {
	case err := <-result:
		assert.ErrorIs(t, err, e.ErrSubscriptionClosed)
	case <-time.After(timeout):
		t.Fatal("subscriber not released by close")
	}

	after := demux.Subscribe(2)
	_, err = after.Next(context.Background())
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)
}

func TestSubscription_CloseAndCancel(t *testing.T) {
	demux := NewEventDemux(0, nil)
	sub := demux.Subscribe(1)
	demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(1, 1)))
	sub.Close()
	assert.Equal(t, 0, sub.Len())
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)

	// 取消订阅后事件进入暂存区
	demux.Dispatch(eventSet(constants.SuspendNone, breakpointEvent(1, 2)))
	assert.Equal(t, 0, sub.Len())

	idle := demux.Subscribe(3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = idle.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type observerFunc func(policy constants.SuspendPolicy, ev protocol.Event)

func (f observerFunc) ObserveEvent(policy constants.SuspendPolicy, ev protocol.Event) {
	f(policy, ev)
}
