package jdi

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdwp"
	"github.com/fansqz/go-jdi/jdwp/jdwptest"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mainClass = jdwptest.Class{
	ID:        testClass.typeID,
	Tag:       constants.TypeTagClass,
	Signature: testClass.signature,
	Fields:    []protocol.FieldInfo{{FieldID: 1, Name: "count", Signature: "I"}},
	Methods: []jdwptest.Method{
		{
			ID:        testClass.main,
			Name:      "main",
			Signature: "([Ljava/lang/String;)V",
			ModBits:   0x0009,
			Start:     0,
			End:       20,
			Lines:     []protocol.LineEntry{{CodeIndex: 0, Line: 10}, {CodeIndex: 5, Line: 11}, {CodeIndex: 12, Line: 12}},
		},
	},
}

func newTestSession(t *testing.T) (*VMSession, *jdwptest.FakeVM) {
	vm := jdwptest.New()
	vm.AddClass(mainClass)
	vm.AddThread(jdwptest.Thread{ID: 1, Name: "main"})
	s := NewVMSession(jdwp.ConnectorFunc(vm.Connector()), SessionOptions{})
	t.Cleanup(func() { _ = s.Dispose(context.Background()) })
	return s, vm
}

func connectedSession(t *testing.T) (*VMSession, *jdwptest.FakeVM) {
	s, vm := newTestSession(t)
	require.Nil(t, s.Connect(context.Background()))
	return s, vm
}

func TestVMSession_Lifecycle(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Call(ctx, protocol.Version{}, &protocol.VersionReply{}), e.ErrInvalidState)

	require.Nil(t, s.Connect(ctx))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "FakeVM", s.Version().VMName)
	assert.ErrorIs(t, s.Connect(ctx), e.ErrInvalidState)

	version, err := Send[protocol.VersionReply](ctx, s, protocol.Version{})
	require.Nil(t, err)
	assert.Equal(t, int32(17), version.JDWPMajor)

	require.Nil(t, s.Dispose(ctx))
	assert.Equal(t, StateDisposed, s.State())
	assert.ErrorIs(t, s.Call(ctx, protocol.Version{}, &protocol.VersionReply{}), e.ErrInvalidState)
	_, err = s.Acquire(ctx, protocol.TaggedObjectID{Tag: constants.TagObject, Object: 1})
	assert.ErrorIs(t, err, e.ErrInvalidState)
	assert.Nil(t, s.Dispose(ctx))
	assert.ErrorIs(t, s.Connect(ctx), e.ErrInvalidState)
}

func TestVMSession_ConnectFailure(t *testing.T) {
	s := NewVMSession(jdwp.ConnectorFunc(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, assert.AnError
	}), SessionOptions{})
	assert.ErrorIs(t, s.Connect(context.Background()), assert.AnError)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Nil(t, s.Dispose(context.Background()))
	assert.Equal(t, StateDisposed, s.State())
}

func TestVMSession_ConnectionDrop(t *testing.T) {
	s, vm := connectedSession(t)
	ctx := context.Background()
	held := make(chan struct{}, 3)
	vm.Handle(constants.ThreadRefSet, constants.TRName, func(*jdwptest.Call, *protocol.Writer) constants.ErrorCode {
		held <- struct{}{}
		return jdwptest.NoReply
	})
	bp, err := s.Requests().CreateLineBreakpoint(ctx, testClass.typeID, 11, constants.SuspendEventThread)
	require.Nil(t, err)
	require.Nil(t, bp.Enable(ctx))
	events := s.Events()

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Threads().Thread(1).Name(ctx)
			results <- err
		}()
	}
	for i := 0; i < 3; i++ {
		<-held
	}
	vm.Drop()

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, e.ErrConnectionClosed)
		case <-time.After(timeout):
			t.Fatal("pending request not resolved")
		}
	}
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err = bp.Events().Next(nctx)
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)
	assert.Equal(t, constants.EventVMDisconnected, nextEvent(t, events).Event.Kind())
	_, err = events.Next(nctx)
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)

	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatal("session not disposed after connection loss")
	}
	assert.Equal(t, StateDisposed, s.State())
}

func TestVMSession_VMDeath(t *testing.T) {
	s, vm := connectedSession(t)
	ctx := context.Background()
	start := s.SubscribeUnfiltered(constants.EventVMStart)
	death := s.SubscribeUnfiltered(constants.EventVMDeath)
	events := s.Events()

	require.Nil(t, vm.SendEvents(constants.SuspendNone, &protocol.VMDeathEvent{}))
	for _, sub := range []*Subscription{start, death, events} {
		msg := nextEvent(t, sub)
		assert.Equal(t, constants.EventVMDeath, msg.Event.Kind())
	}

	select {
	case <-s.Done():
	case <-time.After(timeout):
		t.Fatal("session not disposed after vm death")
	}
	assert.ErrorIs(t, s.Call(ctx, protocol.Version{}, nil), e.ErrInvalidState)
	assert.Nil(t, s.Dispose(ctx))
}

func TestVMSession_VMDeathReachesEverySubscriber(t *testing.T) {
	for i := 0; i < 50; i++ {
		s, vm := connectedSession(t)
		subs := []*Subscription{
			s.SubscribeUnfiltered(constants.EventVMStart),
			s.SubscribeUnfiltered(constants.EventVMDeath),
			s.Events(),
		}
		require.Nil(t, vm.SendEvents(constants.SuspendNone, &protocol.VMDeathEvent{}))
		for _, sub := range subs {
			// 虚拟机死亡事件排在订阅结束之前，之后没有其他事件
			require.Equal(t, constants.EventVMDeath, nextEvent(t, sub).Event.Kind())
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			_, err := sub.Next(ctx)
			cancel()
			require.ErrorIs(t, err, e.ErrSubscriptionClosed)
		}
		select {
		case <-s.Done():
		case <-time.After(timeout):
			t.Fatal("session not disposed after vm death")
		}
	}
}

func TestVMSession_BreakpointScenario(t *testing.T) {
	s, vm := connectedSession(t)
	ctx := context.Background()

	classes, err := s.ClassesByName(ctx, "com.example.Main")
	require.Nil(t, err)
	require.Len(t, classes, 1)
	name, err := classes[0].Name(ctx)
	require.Nil(t, err)
	assert.Equal(t, "com.example.Main", name)

	bp, err := s.Requests().CreateLineBreakpoint(ctx, classes[0].ID(), 11, constants.SuspendEventThread)
	require.Nil(t, err)
	require.Nil(t, bp.Enable(ctx))
	sets := vm.SetRequests()
	require.Len(t, sets, 1)
	require.NotNil(t, sets[0].Location)
	assert.Equal(t, uint64(5), sets[0].Location.Index)

	hit := &protocol.BreakpointEvent{}
	hit.Request = bp.ID()
	hit.Thread = 1
	hit.Location = *sets[0].Location
	require.Nil(t, vm.SendEvents(constants.SuspendEventThread, hit))

	msg := nextEvent(t, bp.Events())
	assert.Equal(t, bp.ID(), msg.Event.RequestID())
	loc, _ := protocol.LocationOf(msg.Event)
	assert.Equal(t, *sets[0].Location, loc)
	assert.Equal(t, RequestEnabled, bp.State())
	assert.Equal(t, 1, s.Threads().SuspendCount(1))

	require.Nil(t, bp.Delete(ctx))
	assert.Equal(t, []protocol.EventRequestID{sets[0].ID}, vm.Cleared())
	require.Nil(t, vm.SendEvents(constants.SuspendEventThread, hit))
	_, err = bp.Events().Next(ctx)
	assert.ErrorIs(t, err, e.ErrSubscriptionClosed)
}

func TestVMSession_StepSingleShot(t *testing.T) {
	s, vm := connectedSession(t)
	ctx := context.Background()
	step, err := s.Requests().CreateStep(1, constants.StepSizeLine, constants.StepDepthOver, constants.SuspendEventThread)
	require.Nil(t, err)
	require.Nil(t, step.Enable(ctx))

	ev := &protocol.SingleStepEvent{}
	ev.Request = step.ID()
	ev.Thread = 1
	require.Nil(t, vm.SendEvents(constants.SuspendEventThread, ev))
	_ = nextEvent(t, step.Events())

	assert.Eventually(t, func() bool {
		return len(vm.Cleared()) == 1 && vm.Cleared()[0] == step.ID()
	}, timeout, tick)
	assert.Equal(t, RequestAutoCleared, step.State())
	assert.ErrorIs(t, step.Enable(ctx), e.ErrInvalidState)
}

func TestVMSession_ObjectCollected(t *testing.T) {
	s, vm := connectedSession(t)
	ctx := context.Background()
	vm.AddObject(jdwptest.Object{ID: 50, Class: testClass.typeID})

	obj, err := s.Acquire(ctx, protocol.TaggedObjectID{Tag: constants.TagObject, Object: 50})
	require.Nil(t, err)
	rt, err := obj.ReferenceType(ctx)
	require.Nil(t, err)
	assert.Equal(t, testClass.typeID, rt.ID())

	vm.RemoveObject(50)
	_, err = obj.ReferenceType(ctx)
	assert.ErrorIs(t, err, e.ErrObjectCollected)
	collected, err := obj.IsCollected(ctx)
	assert.Nil(t, err)
	assert.True(t, collected)
	assert.Nil(t, obj.Release(ctx))
}

func TestVMSession_RedefineClasses(t *testing.T) {
	s, _ := connectedSession(t)
	ctx := context.Background()
	err := s.RedefineClasses(ctx, []protocol.ClassDef{{TypeID: testClass.typeID, ClassFile: []byte{0xCA, 0xFE}}})
	assert.ErrorIs(t, err, e.ErrUnsupportedOperation)

	vm2 := jdwptest.New()
	vm2.AddClass(mainClass)
	vm2.SetCapabilities(protocol.Capabilities{CanRedefineClasses: true})
	vm2.Handle(constants.VirtualMachineSet, constants.VMRedefineClasses, func(*jdwptest.Call, *protocol.Writer) constants.ErrorCode {
		return 0
	})
	s2 := NewVMSession(jdwp.ConnectorFunc(vm2.Connector()), SessionOptions{})
	require.Nil(t, s2.Connect(ctx))
	defer s2.Dispose(ctx)

	_, err = s2.MetadataFor(ctx, testClass.typeID)
	require.Nil(t, err)
	require.Nil(t, s2.RedefineClasses(ctx, []protocol.ClassDef{{TypeID: testClass.typeID, ClassFile: []byte{0xCA, 0xFE}}}))
	_, ok := s2.Types().Peek(testClass.typeID)
	assert.False(t, ok)
}
