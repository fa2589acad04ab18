package java_debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fansqz/go-jdi/constants"
	. "github.com/fansqz/go-jdi/debugger"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdi"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/fansqz/go-jdi/utils"
	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
)

// stepExcludes 单步时不进入的类
var stepExcludes = []string{"java.*", "javax.*", "sun.*", "jdk.internal.*"}

type JavaDebugger struct {
	startOption *StartOption

	// 事件产生时，触发该回调
	callback NotificationCallback

	// statusManager 调试的状态管理
	statusManager *utils.StatusManager[constants.DebugStatus]

	session *jdi.VMSession

	// 断点和单步请求
	mutex          sync.Mutex
	breakpoints    map[string]*breakpoint
	nextBreakpoint int
	step           *jdi.EventRequest

	// eventMutex 串行处理各个请求的事件
	eventMutex    sync.Mutex
	stoppedThread protocol.ThreadID

	referenceUtil *ReferenceUtil
	finishOnce    sync.Once
}

func NewJavaDebugger() *JavaDebugger {
	return &JavaDebugger{
		statusManager: utils.NewStatusManager(constants.Init),
		breakpoints:   map[string]*breakpoint{},
		referenceUtil: NewReferenceUtil(),
		callback:      func(interface{}) {},
	}
}

func (j *JavaDebugger) Start(ctx context.Context, option *StartOption) error {
	logrus.Infof("[JavaDebugger] Start")
	if j.session != nil {
		return e.ErrInvalidState
	}
	j.startOption = option
	if option.Callback != nil {
		j.callback = option.Callback
	}

	j.session = jdi.NewVMSession(option.Connector, option.Session)
	if err := j.session.Connect(ctx); err != nil {
		logrus.Errorf("[JavaDebugger] connect fail, err = %v", err)
		j.callback(LaunchFailEvent)
		j.statusManager.Set(constants.Finish)
		return err
	}
	j.callback(LaunchSuccessEvent)

	// 会话结束即调试结束
	gosync.Go(context.Background(), func(ctx context.Context) {
		<-j.session.Done()
		j.finish()
	})

	requests := j.session.Requests()
	for _, req := range []*jdi.EventRequest{
		requests.CreateThreadStart(constants.SuspendNone),
		requests.CreateThreadDeath(constants.SuspendNone),
	} {
		if err := req.Enable(ctx); err != nil {
			return err
		}
		j.watch(req, j.handleThreadEvent)
	}

	if len(option.Breakpoints) > 0 {
		if _, err := j.SetBreakpoints(ctx, option.Breakpoints); err != nil {
			logrus.Errorf("[JavaDebugger] add breakpoint fail, err = %v", err)
			return err
		}
	}

	if option.Target != nil {
		gosync.Go(context.Background(), func(ctx context.Context) {
			j.processUserOutput()
		})
	}
	return nil
}

// Run 恢复启动时挂起的虚拟机
func (j *JavaDebugger) Run(ctx context.Context) error {
	logrus.Infof("[JavaDebugger] Run")
	if !j.statusManager.Transition(constants.Running, constants.Init) {
		return e.ErrInvalidState
	}
	return j.session.ResumeAll(ctx)
}

// processUserOutput 循环处理用户输出
func (j *JavaDebugger) processUserOutput() {
	b := make([]byte, 1024)
	output := j.startOption.Target.Output()
	for {
		n, err := output.Read(b)
		if n > 0 {
			j.callback(NewOutputEvent(string(b[:n])))
		}
		if err != nil {
			return
		}
	}
}

// Send 输入
func (j *JavaDebugger) Send(ctx context.Context, input string) error {
	logrus.Infof("[JavaDebugger] Send")
	if j.startOption == nil || j.startOption.Target == nil {
		return fmt.Errorf("%w: target not launched by debugger", e.ErrUnsupportedOperation)
	}
	return j.startOption.Target.Send(input)
}

// watch 启动协程读取请求的事件，请求删除或会话结束时退出
func (j *JavaDebugger) watch(req *jdi.EventRequest, handle func(ctx context.Context, msg jdi.EventMessage)) {
	gosync.Go(context.Background(), func(ctx context.Context) {
		for {
			msg, err := req.Events().Next(ctx)
			if err != nil {
				return
			}
			j.eventMutex.Lock()
			handle(ctx, msg)
			j.eventMutex.Unlock()
		}
	})
}

func (j *JavaDebugger) handleThreadEvent(_ context.Context, msg jdi.EventMessage) {
	switch ev := msg.Event.(type) {
	case *protocol.ThreadStartEvent:
		j.callback(NewThreadEvent(constants.ThreadStarted, int(ev.Thread)))
	case *protocol.ThreadDeathEvent:
		j.callback(NewThreadEvent(constants.ThreadExited, int(ev.Thread)))
	}
}

// handleStop 断点或单步完成，程序停止
func (j *JavaDebugger) handleStop(ctx context.Context, reason constants.StoppedReasonType, msg jdi.EventMessage) {
	thread, _ := protocol.ThreadOf(msg.Event)
	loc, _ := protocol.LocationOf(msg.Event)
	file, line := j.position(ctx, loc)
	j.stoppedThread = thread
	j.statusManager.Set(constants.Stopped)
	j.callback(NewStoppedEvent(reason, int(thread), file, line))
}

func (j *JavaDebugger) Threads(ctx context.Context) ([]*Thread, error) {
	threads, err := j.session.AllThreads(ctx)
	if err != nil {
		return nil, err
	}
	answer := make([]*Thread, 0, len(threads))
	for _, t := range threads {
		name, err := t.Name(ctx)
		if err != nil {
			// 线程已经退出
			if errors.Is(err, e.ErrObjectCollected) {
				continue
			}
			return nil, err
		}
		answer = append(answer, &Thread{ID: int(t.ID()), Name: name})
	}
	return answer, nil
}

func (j *JavaDebugger) Pause(ctx context.Context) error {
	logrus.Infof("[JavaDebugger] Pause")
	if !j.statusManager.Is(constants.Running) {
		return e.ErrProgramNotRunning
	}
	if err := j.session.SuspendAll(ctx); err != nil {
		return err
	}
	j.eventMutex.Lock()
	defer j.eventMutex.Unlock()
	thread := j.stoppedThread
	if thread == 0 {
		if threads, err := j.session.AllThreads(ctx); err == nil && len(threads) > 0 {
			thread = threads[0].ID()
		}
	}
	j.stoppedThread = thread
	j.statusManager.Set(constants.Stopped)
	j.callback(NewStoppedEvent(constants.PauseStopped, int(thread), "", 0))
	return nil
}

func (j *JavaDebugger) StepOver(ctx context.Context, threadID int) error {
	logrus.Infof("[JavaDebugger] StepOver")
	return j.stepThread(ctx, threadID, constants.StepDepthOver)
}

func (j *JavaDebugger) StepIn(ctx context.Context, threadID int) error {
	logrus.Infof("[JavaDebugger] StepIn")
	return j.stepThread(ctx, threadID, constants.StepDepthInto)
}

func (j *JavaDebugger) StepOut(ctx context.Context, threadID int) error {
	logrus.Infof("[JavaDebugger] StepOut")
	return j.stepThread(ctx, threadID, constants.StepDepthOut)
}

// stepThread 创建单步请求后恢复执行，同一时间只保留一个单步请求
func (j *JavaDebugger) stepThread(ctx context.Context, threadID int, depth constants.StepDepth) error {
	if !j.statusManager.Is(constants.Stopped) {
		return e.ErrProgramIsRunning
	}
	thread := protocol.ThreadID(threadID)
	if thread == 0 {
		thread = j.stoppedThread
	}

	j.mutex.Lock()
	if j.step != nil {
		_ = j.step.Delete(ctx)
		j.step = nil
	}
	mods := make([]protocol.Modifier, 0, len(stepExcludes))
	for _, pattern := range stepExcludes {
		mods = append(mods, protocol.ClassExcludeModifier{Pattern: pattern})
	}
	req, err := j.session.Requests().CreateStep(thread, constants.StepSizeLine, depth, constants.SuspendAll, mods...)
	if err == nil {
		err = req.Enable(ctx)
	}
	if err != nil {
		j.mutex.Unlock()
		return err
	}
	j.step = req
	j.mutex.Unlock()

	j.watch(req, func(ctx context.Context, msg jdi.EventMessage) {
		j.mutex.Lock()
		if j.step == req {
			j.step = nil
		}
		j.mutex.Unlock()
		j.handleStop(ctx, constants.StepStopped, msg)
	})
	return j.resume(ctx, thread)
}

func (j *JavaDebugger) Continue(ctx context.Context) error {
	logrus.Infof("[JavaDebugger] Continue")
	if !j.statusManager.Is(constants.Stopped) {
		return e.ErrProgramIsRunning
	}
	return j.resume(ctx, j.stoppedThread)
}

// resume 清空引用后恢复所有线程
func (j *JavaDebugger) resume(ctx context.Context, thread protocol.ThreadID) error {
	j.referenceUtil.Reset(ctx)
	j.statusManager.Set(constants.Running)
	j.callback(NewContinuedEvent(int(thread)))
	return j.session.ResumeAll(ctx)
}

func (j *JavaDebugger) GetStackTrace(ctx context.Context, threadID int) ([]*StackFrame, error) {
	if !j.statusManager.Is(constants.Stopped) {
		return nil, e.ErrProgramIsRunning
	}
	frames, err := j.session.Threads().Frames(ctx, protocol.ThreadID(threadID))
	if err != nil {
		return nil, err
	}
	answer := make([]*StackFrame, 0, len(frames))
	for _, frame := range frames {
		loc, err := frame.Location()
		if err != nil {
			return nil, err
		}
		path, line := j.position(ctx, loc)
		answer = append(answer, &StackFrame{
			ID:   j.referenceUtil.AddFrame(frame),
			Name: j.frameName(ctx, loc),
			Path: path,
			Line: line,
		})
	}
	return answer, nil
}

func (j *JavaDebugger) GetScopes(ctx context.Context, frameID int) ([]*Scope, error) {
	frame, ok := j.referenceUtil.Frame(frameID)
	if !ok || !frame.Valid() {
		return nil, e.ErrStaleFrame
	}
	scopes := []*Scope{
		{Name: constants.Local, Reference: j.referenceUtil.AddScope(scopeRef{kind: localScope, frame: frame})},
	}
	this, err := frame.ThisObject(ctx)
	if err != nil {
		return nil, err
	}
	// 静态方法和本地方法没有this
	if this != nil {
		scopes = append(scopes, &Scope{
			Name:      constants.This,
			Reference: j.referenceUtil.AddScope(scopeRef{kind: thisScope, frame: frame, this: this}),
		})
	}
	return scopes, nil
}

func (j *JavaDebugger) GetVariables(ctx context.Context, reference int) ([]*Variable, error) {
	if !j.statusManager.Is(constants.Stopped) {
		return nil, e.ErrProgramIsRunning
	}
	scope, ok := j.referenceUtil.Scope(reference)
	if !ok {
		return nil, fmt.Errorf("unknown variables reference %d", reference)
	}
	switch scope.kind {
	case thisScope:
		return j.thisVariables(ctx, scope.this)
	default:
		return j.localVariables(ctx, scope.frame)
	}
}

func (j *JavaDebugger) Terminate(ctx context.Context) error {
	logrus.Infof("[JavaDebugger] Terminate")
	if j.session == nil || j.statusManager.Is(constants.Finish) {
		return nil
	}
	j.referenceUtil.Reset(ctx)
	err := j.session.Dispose(ctx)
	j.finish()
	return err
}

// finish 调试结束，只通知一次
func (j *JavaDebugger) finish() {
	j.finishOnce.Do(func() {
		j.statusManager.Set(constants.Finish)
		if j.startOption != nil && j.startOption.Target != nil {
			if err := j.startOption.Target.Close(); err != nil {
				logrus.Warnf("[JavaDebugger] close target fail, err = %v", err)
			}
		}
		j.callback(NewExitedEvent(0, ""))
		j.callback(NewTerminatedEvent())
	})
}
