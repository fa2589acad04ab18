package jdwp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdwp/jdwptest"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu           sync.Mutex
	sets         []*protocol.EventSet
	eventCh      chan *protocol.EventSet
	disconnectCh chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		eventCh:      make(chan *protocol.EventSet, 16),
		disconnectCh: make(chan error, 4),
	}
}

func (r *recordingHandler) HandleEventSet(set *protocol.EventSet) {
	r.mu.Lock()
	r.sets = append(r.sets, set)
	r.mu.Unlock()
	r.eventCh <- set
}

func (r *recordingHandler) HandleDisconnect(err error) {
	r.disconnectCh <- err
}

func newTestConn(t *testing.T, opts Options) (*Conn, *jdwptest.FakeVM, *recordingHandler) {
	ctx := context.Background()
	vm := jdwptest.New()
	rwc, err := vm.Connector()(ctx)
	require.Nil(t, err)
	require.Nil(t, protocol.DoHandshake(ctx, rwc))
	h := newRecordingHandler()
	c := NewConn(rwc, h, opts)
	c.Start(ctx)
	sizes := protocol.IDSizes{}
	require.Nil(t, c.Call(ctx, protocol.GetIDSizes{}, &sizes))
	c.SetIDSizes(sizes)
	t.Cleanup(func() { _ = c.Close() })
	return c, vm, h
}

// holdCommand 让某条命令不回复，返回收到的请求id
func holdCommand(vm *jdwptest.FakeVM, set constants.CommandSet, cmd uint8) chan uint32 {
	ids := make(chan uint32, 16)
	vm.Handle(set, cmd, func(call *jdwptest.Call, _ *protocol.Writer) constants.ErrorCode {
		ids <- call.Packet.ID
		return jdwptest.NoReply
	})
	return ids
}

func TestConn_ConcurrentCalls(t *testing.T) {
	c, vm, _ := newTestConn(t, Options{})
	// 回复线程id本身，用于检查回复是否对应到正确的请求
	vm.Handle(constants.ThreadRefSet, constants.TRFrameCount, func(call *jdwptest.Call, w *protocol.Writer) constants.ErrorCode {
		w.Int(int32(call.Reader.ThreadID()))
		return 0
	})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(thread int32) {
			defer wg.Done()
			reply := &protocol.IntReply{}
			if err := c.Call(context.Background(), protocol.FrameCount{Thread: protocol.ThreadID(thread)}, reply); err != nil {
				errs <- err
				return
			}
			if reply.Value != thread {
				errs <- assert.AnError
			}
		}(int32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.Nil(t, err)
	}
	assert.Equal(t, 0, c.PendingCount())
}

func TestConn_RemoteError(t *testing.T) {
	c, vm, _ := newTestConn(t, Options{})
	vm.Handle(constants.ThreadRefSet, constants.TRFrames, func(*jdwptest.Call, *protocol.Writer) constants.ErrorCode {
		return constants.ErrThreadNotSuspended
	})
	err := c.Call(context.Background(), protocol.Frames{Thread: 1, Length: -1}, &protocol.FramesReply{})
	assert.ErrorIs(t, err, e.NewRemoteError(constants.ErrThreadNotSuspended))
	assert.True(t, e.IsRemote(err, constants.ErrThreadNotSuspended))
}

func TestConn_UnknownReplyIsNotFatal(t *testing.T) {
	c, vm, _ := newTestConn(t, Options{MaxAnomalies: 3})
	require.Nil(t, vm.Reply(9999, 0, nil))
	require.Nil(t, vm.Reply(9998, 0, nil))
	// 正常的回复会重置异常计数
	assert.Nil(t, c.Call(context.Background(), protocol.Version{}, &protocol.VersionReply{}))
	require.Nil(t, vm.Reply(9997, 0, nil))
	require.Nil(t, vm.Reply(9996, 0, nil))
	reply := &protocol.VersionReply{}
	assert.Nil(t, c.Call(context.Background(), protocol.Version{}, reply))
	assert.Equal(t, "FakeVM", reply.VMName)
}

func TestConn_AnomalyThreshold(t *testing.T) {
	c, vm, h := newTestConn(t, Options{MaxAnomalies: 3})
	for i := uint32(0); i < 3; i++ {
		require.Nil(t, vm.Reply(5000+i, 0, nil))
	}
	select {
	case err := <-h.disconnectCh:
		assert.ErrorIs(t, err, e.ErrProtocolAnomaly)
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after repeated anomalies")
	}
	_, err := c.Issue(protocol.Version{})
	assert.ErrorIs(t, err, e.ErrConnectionClosed)
}

func TestConn_CancelledReplyDiscarded(t *testing.T) {
	c, vm, _ := newTestConn(t, Options{MaxAnomalies: 1})
	ids := holdCommand(vm, constants.ThreadRefSet, constants.TRName)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- c.Call(ctx, protocol.ThreadName{Thread: 1}, &protocol.StringReply{})
	}()
	id := <-ids
	cancel()
	assert.ErrorIs(t, <-result, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())

	// 迟到的回复不算协议异常，MaxAnomalies为1时连接依然可用
	w := protocol.NewWriter(vm.Sizes)
	w.String("main")
	require.Nil(t, vm.Reply(id, 0, w.Bytes()))
	assert.Nil(t, c.Call(context.Background(), protocol.Version{}, &protocol.VersionReply{}))
}

func TestConn_PendingReplyCancel(t *testing.T) {
	c, vm, _ := newTestConn(t, Options{})
	ids := holdCommand(vm, constants.ThreadRefSet, constants.TRName)
	p, err := c.Issue(protocol.ThreadName{Thread: 1})
	require.Nil(t, err)
	<-ids
	p.Cancel()
	p.Cancel()
	<-p.Done()
	assert.Equal(t, 0, c.PendingCount())
}

func TestConn_ConnectionLossResolvesAll(t *testing.T) {
	c, vm, h := newTestConn(t, Options{})
	ids := holdCommand(vm, constants.ThreadRefSet, constants.TRName)

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(thread int) {
			results <- c.Call(context.Background(), protocol.ThreadName{Thread: protocol.ThreadID(thread)}, &protocol.StringReply{})
		}(i + 1)
	}
	for i := 0; i < 3; i++ {
		<-ids
	}
	vm.Drop()
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, e.ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not resolved after connection loss")
		}
	}
	assert.ErrorIs(t, <-h.disconnectCh, e.ErrConnectionClosed)
	assert.Len(t, h.disconnectCh, 0)
	assert.Equal(t, 0, c.PendingCount())

	_, err := c.Issue(protocol.Version{})
	assert.ErrorIs(t, err, e.ErrConnectionClosed)
}

func TestConn_EventsInOrder(t *testing.T) {
	_, vm, h := newTestConn(t, Options{})
	for i := 1; i <= 5; i++ {
		require.Nil(t, vm.SendEvents(constants.SuspendNone, &protocol.ThreadStartEvent{
			EventHeader: protocol.EventHeader{Request: protocol.EventRequestID(i)},
			Thread:      protocol.ThreadID(i),
		}))
	}
	for i := 1; i <= 5; i++ {
		set := <-h.eventCh
		require.Len(t, set.Events, 1)
		assert.Equal(t, protocol.EventRequestID(i), set.Events[0].RequestID())
	}
}

func TestConn_UnexpectedCommandIsAnomaly(t *testing.T) {
	_, vm, h := newTestConn(t, Options{MaxAnomalies: 1})
	require.Nil(t, vm.SendPacket(&protocol.Packet{CommandSet: constants.ThreadRefSet, Command: constants.TRName}))
	assert.ErrorIs(t, <-h.disconnectCh, e.ErrProtocolAnomaly)
}
