package jdi

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requestFixture struct {
	cmd      *fakeCommander
	demux    *EventDemux
	requests *EventRequestManager
	caps     protocol.Capabilities
}

func newRequestFixture() *requestFixture {
	f := &requestFixture{cmd: newFakeCommander()}
	f.cmd.installClass(testClass)
	var nextID atomic.Int32
	f.cmd.handle(constants.EventRequestSet, constants.ERSet, func(_ context.Context, _ protocol.Command, reply protocol.Reply) error {
		reply.(*protocol.SetRequestReply).RequestID = protocol.EventRequestID(nextID.Add(1))
		return nil
	})
	f.demux = NewEventDemux(0, nil)
	types := NewTypeCache(f.cmd, nil)
	f.requests = NewEventRequestManager(f.cmd, f.demux, types, func() protocol.Capabilities { return f.caps }, nil)
	f.demux.AddObserver(AfterDelivery, f.requests)
	return f
}

func stepEvent(id protocol.EventRequestID, thread protocol.ThreadID) *protocol.SingleStepEvent {
	ev := &protocol.SingleStepEvent{}
	ev.Request = id
	ev.Thread = thread
	return ev
}

func TestEventRequest_StepAutoDelete(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	step, err := f.requests.CreateStep(1, constants.StepSizeLine, constants.StepDepthOver, constants.SuspendEventThread)
	require.Nil(t, err)
	assert.True(t, step.SingleShot())
	assert.Equal(t, RequestCreated, step.State())
	require.Nil(t, step.Enable(ctx))
	id := step.ID()

	f.demux.Dispatch(eventSet(constants.SuspendEventThread, stepEvent(id, 1)))
	f.demux.Dispatch(eventSet(constants.SuspendEventThread, stepEvent(id, 1)))

	msg := nextEvent(t, step.Events())
	assert.Equal(t, constants.EventSingleStep, msg.Event.Kind())
	_, err = step.Events().Next(ctx)
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)
	assert.Equal(t, RequestAutoCleared, step.State())
	assert.Eventually(t, func() bool {
		return f.cmd.count(constants.EventRequestSet, constants.ERClear) == 1
	}, timeout, tick)
	assert.Empty(t, f.requests.Requests())

	// 自动清除后只能删除，不能重新启用
	assert.ErrorIs(t, step.Enable(ctx), e.ErrInvalidState)
	assert.Nil(t, step.Delete(ctx))
	assert.Equal(t, RequestDeleted, step.State())
	assert.Equal(t, 1, f.cmd.count(constants.EventRequestSet, constants.ERClear))
}

func TestEventRequest_StepHitBeforeEnableReturns(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	step, err := f.requests.CreateStep(1, constants.StepSizeLine, constants.StepDepthInto, constants.SuspendEventThread)
	require.Nil(t, err)
	// 事件先于Enable完成到达，进入暂存区
	f.demux.Dispatch(eventSet(constants.SuspendEventThread, stepEvent(1, 1)))
	require.Nil(t, step.Enable(ctx))

	assert.Equal(t, RequestAutoCleared, step.State())
	_ = nextEvent(t, step.Events())
	assert.Eventually(t, func() bool {
		return f.cmd.count(constants.EventRequestSet, constants.ERClear) == 1
	}, timeout, tick)
}

func TestEventRequest_BreakpointLifecycle(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	bp, err := f.requests.CreateLineBreakpoint(ctx, testClass.typeID, 11, constants.SuspendEventThread)
	require.Nil(t, err)
	assert.False(t, bp.SingleShot())
	require.Nil(t, bp.Enable(ctx))
	id := bp.ID()

	loc := protocol.Location{Class: testClass.typeID, Method: testClass.main, Index: 5}
	hit := breakpointEvent(id, 3)
	hit.Location = loc
	f.demux.Dispatch(eventSet(constants.SuspendEventThread, hit))

	msg := nextEvent(t, bp.Events())
	assert.Equal(t, id, msg.Event.RequestID())
	gotLoc, _ := protocol.LocationOf(msg.Event)
	assert.Equal(t, loc, gotLoc)
	thread, _ := protocol.ThreadOf(msg.Event)
	assert.Equal(t, protocol.ThreadID(3), thread)
	assert.Equal(t, RequestEnabled, bp.State())

	f.demux.Dispatch(eventSet(constants.SuspendEventThread, breakpointEvent(id, 3)))
	_ = nextEvent(t, bp.Events())
	assert.Equal(t, RequestEnabled, bp.State())

	require.Nil(t, bp.Delete(ctx))
	assert.Equal(t, RequestDeleted, bp.State())
	assert.Equal(t, 1, f.cmd.count(constants.EventRequestSet, constants.ERClear))
	f.demux.Dispatch(eventSet(constants.SuspendEventThread, breakpointEvent(id, 3)))
	_, err = bp.Events().Next(ctx)
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)

	// 重复删除不是错误
	assert.Nil(t, bp.Delete(ctx))
	assert.Equal(t, 1, f.cmd.count(constants.EventRequestSet, constants.ERClear))
}

func TestEventRequest_InvalidLocation(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	_, err := f.requests.CreateLineBreakpoint(ctx, testClass.typeID, 42, constants.SuspendAll)
	assert.ErrorIs(t, err, e.ErrInvalidLocation)
	_, err = f.requests.CreateBreakpoint(ctx, protocol.Location{Class: testClass.typeID, Method: testClass.native}, constants.SuspendAll)
	assert.ErrorIs(t, err, e.ErrInvalidLocation)
	_, err = f.requests.CreateMethodBreakpoint(ctx, testClass.typeID, "missing", constants.SuspendAll)
	assert.ErrorIs(t, err, e.ErrInvalidLocation)
	assert.Equal(t, 0, f.cmd.count(constants.EventRequestSet, constants.ERSet))
}

func TestEventRequest_DisableAndReEnable(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	req := f.requests.CreateThreadStart(constants.SuspendNone)
	require.Nil(t, req.Enable(ctx))
	first := req.ID()
	require.Nil(t, req.Disable(ctx))
	assert.Equal(t, RequestDisabled, req.State())
	assert.Equal(t, protocol.EventRequestID(0), req.ID())

	f.demux.Dispatch(eventSet(constants.SuspendNone, &protocol.ThreadStartEvent{EventHeader: protocol.EventHeader{Request: first}, Thread: 1}))
	assert.Equal(t, 0, req.Events().Len())

	require.Nil(t, req.Enable(ctx))
	assert.NotEqual(t, first, req.ID())
	f.demux.Dispatch(eventSet(constants.SuspendNone, &protocol.ThreadStartEvent{EventHeader: protocol.EventHeader{Request: req.ID()}, Thread: 2}))
	assert.Equal(t, 1, req.Events().Len())
}

func TestEventRequest_CountModifierIsSingleShot(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	bp, err := f.requests.CreateMethodBreakpoint(ctx, testClass.typeID, "main", constants.SuspendAll)
	require.Nil(t, err)
	assert.False(t, bp.SingleShot())

	loc := protocol.Location{Class: testClass.typeID, Method: testClass.main}
	counted, err := f.requests.CreateBreakpoint(ctx, loc, constants.SuspendAll, protocol.CountModifier{Count: 3})
	require.Nil(t, err)
	assert.True(t, counted.SingleShot())
	require.Nil(t, counted.Enable(ctx))
	f.demux.Dispatch(eventSet(constants.SuspendAll, breakpointEvent(counted.ID(), 1)))
	assert.Equal(t, RequestAutoCleared, counted.State())
}

func TestEventRequest_CapabilityGating(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	_, err := f.requests.CreateWatchpoint(ctx, testClass.typeID, "count", true, constants.SuspendAll)
	assert.ErrorIs(t, err, e.ErrUnsupportedOperation)
	_, err = f.requests.CreateStep(1, constants.StepSizeMin, constants.StepDepthInto, constants.SuspendAll,
		protocol.InstanceOnlyModifier{Instance: 5})
	assert.ErrorIs(t, err, e.ErrUnsupportedOperation)

	f.caps.CanWatchFieldModification = true
	w, err := f.requests.CreateWatchpoint(ctx, testClass.typeID, "count", true, constants.SuspendAll)
	require.Nil(t, err)
	assert.Equal(t, constants.EventFieldModification, w.Kind())
	_, err = f.requests.CreateWatchpoint(ctx, testClass.typeID, "missing", true, constants.SuspendAll)
	assert.ErrorIs(t, err, e.ErrInvalidLocation)
}

func TestEventRequest_ClearAllBreakpoints(t *testing.T) {
	f := newRequestFixture()
	ctx := context.Background()
	bp, err := f.requests.CreateLineBreakpoint(ctx, testClass.typeID, 10, constants.SuspendAll)
	require.Nil(t, err)
	require.Nil(t, bp.Enable(ctx))
	prepare := f.requests.CreateClassPrepare("com.example.*", constants.SuspendNone)
	require.Nil(t, prepare.Enable(ctx))

	require.Nil(t, f.requests.ClearAllBreakpoints(ctx))
	assert.Equal(t, RequestDeleted, bp.State())
	assert.Equal(t, RequestEnabled, prepare.State())
	assert.Len(t, f.requests.Requests(), 1)
}
