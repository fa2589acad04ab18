package jdi

import (
	"context"
	"fmt"
	"sync"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/sirupsen/logrus"
)

// threadState 线程挂起计数的本地影子
// suspendCount是相对虚拟机级别计数的偏移，单独恢复因SuspendAll挂起的线程时为负，不小于-vmSuspends
// generation在每次恢复之前递增，旧代的栈帧全部失效
type threadState struct {
	suspendCount int
	generation   uint64
	frames       []*StackFrame
	framesGen    uint64
	framesValid  bool
}

// ThreadController 跟踪线程的挂起计数，线程恢复时使栈帧失效
// 线程实际的挂起计数 = 线程自身的偏移 + 整个虚拟机的挂起计数
type ThreadController struct {
	cmd     Commander
	mirrors *MirrorRegistry
	log     *logrus.Entry

	mu         sync.Mutex
	threads    map[protocol.ThreadID]*threadState
	vmSuspends int
	vmGen      uint64
}

func NewThreadController(cmd Commander, mirrors *MirrorRegistry, log *logrus.Entry) *ThreadController {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ThreadController{
		cmd:     cmd,
		mirrors: mirrors,
		log:     log,
		threads: map[protocol.ThreadID]*threadState{},
	}
}

func (t *ThreadController) stateLocked(id protocol.ThreadID) *threadState {
	s, ok := t.threads[id]
	if !ok {
		s = &threadState{}
		t.threads[id] = s
	}
	return s
}

// invalidateLocked 使线程的栈帧失效
func (t *ThreadController) invalidateLocked(s *threadState) {
	s.generation++
	s.frames = nil
	s.framesValid = false
}

// Thread 返回线程句柄
func (t *ThreadController) Thread(id protocol.ThreadID) *ThreadMirror {
	return &ThreadMirror{controller: t, id: id}
}

// SuspendCount 线程的有效挂起计数
func (t *ThreadController) SuspendCount(id protocol.ThreadID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendCountLocked(id)
}

func (t *ThreadController) suspendCountLocked(id protocol.ThreadID) int {
	n := t.vmSuspends
	if s, ok := t.threads[id]; ok {
		n += s.suspendCount
	}
	if n < 0 {
		return 0
	}
	return n
}

// Suspend 挂起线程，计数累加
func (t *ThreadController) Suspend(ctx context.Context, id protocol.ThreadID) error {
	if err := t.cmd.Call(ctx, protocol.ThreadSuspend{Thread: id}, nil); err != nil {
		return t.mapThreadError(id, err)
	}
	t.mu.Lock()
	t.stateLocked(id).suspendCount++
	t.mu.Unlock()
	return nil
}

// Resume 恢复线程，计数减一
// 无论计数是否归零，之前返回的所有栈帧都会失效
func (t *ThreadController) Resume(ctx context.Context, id protocol.ThreadID) error {
	t.mu.Lock()
	s := t.stateLocked(id)
	t.invalidateLocked(s)
	t.mu.Unlock()

	if err := t.cmd.Call(ctx, protocol.ThreadResume{Thread: id}, nil); err != nil {
		return t.mapThreadError(id, err)
	}
	t.mu.Lock()
	if t.vmSuspends+s.suspendCount > 0 {
		// 线程因SuspendAll挂起时偏移变为负数，虚拟机级别的计数不变
		s.suspendCount--
	}
	t.mu.Unlock()
	return nil
}

// SuspendAll 挂起整个虚拟机
func (t *ThreadController) SuspendAll(ctx context.Context) error {
	if err := t.cmd.Call(ctx, protocol.SuspendVM{}, nil); err != nil {
		return err
	}
	t.mu.Lock()
	t.vmSuspends++
	t.mu.Unlock()
	return nil
}

// ResumeAll 恢复整个虚拟机，所有线程的栈帧失效
func (t *ThreadController) ResumeAll(ctx context.Context) error {
	t.mu.Lock()
	t.vmGen++
	for _, s := range t.threads {
		t.invalidateLocked(s)
	}
	t.mu.Unlock()

	if err := t.cmd.Call(ctx, protocol.ResumeVM{}, nil); err != nil {
		return err
	}
	t.mu.Lock()
	if t.vmSuspends > 0 {
		t.vmSuspends--
		// 计数已经为0的线程保持为0
		for _, s := range t.threads {
			if s.suspendCount < -t.vmSuspends {
				s.suspendCount = -t.vmSuspends
			}
		}
	} else {
		// 没有虚拟机级别的挂起时，目标端会把每个线程的计数各减一
		for _, s := range t.threads {
			if s.suspendCount > 0 {
				s.suspendCount--
			}
		}
	}
	t.mu.Unlock()
	return nil
}

// Sync 以目标端的挂起计数覆盖本地计数
func (t *ThreadController) Sync(ctx context.Context, id protocol.ThreadID) (int, error) {
	reply := &protocol.IntReply{}
	if err := t.cmd.Call(ctx, protocol.SuspendCount{Thread: id}, reply); err != nil {
		return 0, t.mapThreadError(id, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked(id)
	own := int(reply.Value) - t.vmSuspends
	if own != s.suspendCount {
		t.log.Infof("[ThreadController] thread %d suspend count resync %d -> %d", id, s.suspendCount, own)
	}
	s.suspendCount = own
	return int(reply.Value), nil
}

// Frames 线程的调用栈，只在线程挂起时可用
func (t *ThreadController) Frames(ctx context.Context, id protocol.ThreadID) ([]*StackFrame, error) {
	t.mu.Lock()
	if t.suspendCountLocked(id) < 1 {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: thread %d", e.ErrThreadNotSuspended, id)
	}
	s := t.stateLocked(id)
	if s.framesValid && s.framesGen == s.generation {
		frames := s.frames
		t.mu.Unlock()
		return frames, nil
	}
	gen := s.generation
	t.mu.Unlock()

	reply := &protocol.FramesReply{}
	if err := t.cmd.Call(ctx, protocol.Frames{Thread: id, Start: 0, Length: -1}, reply); err != nil {
		return nil, t.mapThreadError(id, err)
	}
	frames := make([]*StackFrame, 0, len(reply.Frames))
	for i, info := range reply.Frames {
		frames = append(frames, &StackFrame{
			controller: t,
			thread:     id,
			id:         info.Frame,
			index:      i,
			location:   info.Location,
			generation: gen,
		})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s = t.stateLocked(id)
	if s.generation != gen {
		// 获取期间线程被恢复
		return nil, fmt.Errorf("%w: thread %d resumed while fetching frames", e.ErrStaleFrame, id)
	}
	s.frames = frames
	s.framesGen = gen
	s.framesValid = true
	return frames, nil
}

// FrameCount 调用栈深度
func (t *ThreadController) FrameCount(ctx context.Context, id protocol.ThreadID) (int, error) {
	if t.SuspendCount(id) < 1 {
		return 0, fmt.Errorf("%w: thread %d", e.ErrThreadNotSuspended, id)
	}
	reply := &protocol.IntReply{}
	if err := t.cmd.Call(ctx, protocol.FrameCount{Thread: id}, reply); err != nil {
		return 0, t.mapThreadError(id, err)
	}
	return int(reply.Value), nil
}

func (t *ThreadController) frameValid(f *StackFrame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.threads[f.thread]
	return ok && s.generation == f.generation
}

// invalidateFrame 目标端报告栈帧无效时，使整个线程的缓存失效
func (t *ThreadController) invalidateFrame(f *StackFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.threads[f.thread]; ok && s.generation == f.generation {
		t.invalidateLocked(s)
	}
}

func (t *ThreadController) mapThreadError(id protocol.ThreadID, err error) error {
	if e.IsRemote(err, constants.ErrThreadNotSuspended) {
		return fmt.Errorf("%w: thread %d", e.ErrThreadNotSuspended, id)
	}
	if e.IsRemote(err, constants.ErrInvalidThread, constants.ErrInvalidObject) {
		t.forget(id)
		return fmt.Errorf("%w: thread %d", e.ErrObjectCollected, id)
	}
	return err
}

func (t *ThreadController) forget(id protocol.ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.threads[id]; ok {
		t.invalidateLocked(s)
		delete(t.threads, id)
	}
}

// Reset 会话结束时清空状态，所有栈帧失效
func (t *ThreadController) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.threads {
		t.invalidateLocked(s)
	}
	t.threads = map[protocol.ThreadID]*threadState{}
	t.vmSuspends = 0
}

// ObserveEvent 根据事件的挂起策略更新计数，在投递之前执行
func (t *ThreadController) ObserveEvent(policy constants.SuspendPolicy, ev protocol.Event) {
	switch ev.(type) {
	case *protocol.ThreadDeathEvent:
		thread, _ := protocol.ThreadOf(ev)
		t.forget(thread)
		return
	case *protocol.VMDeathEvent, *protocol.VMDisconnectedEvent:
		t.Reset()
		return
	}
	switch policy {
	case constants.SuspendEventThread:
		if thread, ok := protocol.ThreadOf(ev); ok {
			t.mu.Lock()
			t.stateLocked(thread).suspendCount++
			t.mu.Unlock()
		}
	case constants.SuspendAll:
		t.mu.Lock()
		t.vmSuspends++
		t.mu.Unlock()
	}
}

// ThreadMirror 线程的本地句柄
type ThreadMirror struct {
	controller *ThreadController
	id         protocol.ThreadID
}

func (m *ThreadMirror) ID() protocol.ThreadID {
	return m.id
}

func (m *ThreadMirror) Name(ctx context.Context) (string, error) {
	reply := &protocol.StringReply{}
	if err := m.controller.cmd.Call(ctx, protocol.ThreadName{Thread: m.id}, reply); err != nil {
		return "", m.controller.mapThreadError(m.id, err)
	}
	return reply.Value, nil
}

// Status 线程状态以及目标端是否认为它已挂起
func (m *ThreadMirror) Status(ctx context.Context) (constants.ThreadStatus, bool, error) {
	reply := &protocol.ThreadStatusReply{}
	if err := m.controller.cmd.Call(ctx, protocol.ThreadStatus{Thread: m.id}, reply); err != nil {
		return 0, false, m.controller.mapThreadError(m.id, err)
	}
	return reply.Status, reply.SuspendStatus&constants.SuspendStatusSuspended != 0, nil
}

func (m *ThreadMirror) Suspend(ctx context.Context) error {
	return m.controller.Suspend(ctx, m.id)
}

func (m *ThreadMirror) Resume(ctx context.Context) error {
	return m.controller.Resume(ctx, m.id)
}

func (m *ThreadMirror) SuspendCount() int {
	return m.controller.SuspendCount(m.id)
}

func (m *ThreadMirror) Frames(ctx context.Context) ([]*StackFrame, error) {
	return m.controller.Frames(ctx, m.id)
}

func (m *ThreadMirror) FrameCount(ctx context.Context) (int, error) {
	return m.controller.FrameCount(ctx, m.id)
}

// StackFrame 栈帧句柄，线程恢复后立即失效
type StackFrame struct {
	controller *ThreadController
	thread     protocol.ThreadID
	id         protocol.FrameID
	index      int
	location   protocol.Location
	generation uint64
}

func (f *StackFrame) ID() protocol.FrameID {
	return f.id
}

func (f *StackFrame) Thread() protocol.ThreadID {
	return f.thread
}

// Index 栈帧下标，0为栈顶
func (f *StackFrame) Index() int {
	return f.index
}

// Valid 栈帧是否仍然有效
func (f *StackFrame) Valid() bool {
	return f.controller.frameValid(f)
}

func (f *StackFrame) check() error {
	if !f.Valid() {
		return fmt.Errorf("%w: frame %d of thread %d", e.ErrStaleFrame, f.index, f.thread)
	}
	return nil
}

// Location 栈帧当前执行的位置
func (f *StackFrame) Location() (protocol.Location, error) {
	if err := f.check(); err != nil {
		return protocol.Location{}, err
	}
	return f.location, nil
}

func (f *StackFrame) call(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error {
	if err := f.check(); err != nil {
		return err
	}
	err := f.controller.cmd.Call(ctx, cmd, reply)
	if e.IsRemote(err, constants.ErrInvalidFrameID) {
		f.controller.invalidateFrame(f)
		return fmt.Errorf("%w: frame %d of thread %d", e.ErrStaleFrame, f.index, f.thread)
	}
	if err != nil {
		return f.controller.mapThreadError(f.thread, err)
	}
	return nil
}

// GetValues 读取局部变量槽位的值
func (f *StackFrame) GetValues(ctx context.Context, slots []protocol.SlotRequest) ([]protocol.Value, error) {
	reply := &protocol.GetValuesReply{}
	if err := f.call(ctx, protocol.GetValues{Thread: f.thread, Frame: f.id, Slots: slots}, reply); err != nil {
		return nil, err
	}
	return reply.Values, nil
}

// ThisObject 栈帧的this对象，静态方法返回nil
// 返回的镜像需要调用方释放
func (f *StackFrame) ThisObject(ctx context.Context) (*ObjectMirror, error) {
	reply := &protocol.ThisObjectReply{}
	if err := f.call(ctx, protocol.ThisObject{Thread: f.thread, Frame: f.id}, reply); err != nil {
		return nil, err
	}
	if reply.Object.IsNull() {
		return nil, nil
	}
	return f.controller.mirrors.Acquire(ctx, reply.Object)
}
