package java_debugger

import (
	"context"
	"testing"
	"time"

	"github.com/fansqz/go-jdi/constants"
	. "github.com/fansqz/go-jdi/debugger"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdwp"
	"github.com/fansqz/go-jdi/jdwp/jdwptest"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	mainClass = jdwptest.Class{
		ID:        100,
		Tag:       constants.TypeTagClass,
		Signature: "Lcom/example/Main;",
		Methods: []jdwptest.Method{
			{
				ID:        7,
				Name:      "run",
				Signature: "([Ljava/lang/String;)V",
				Start:     0,
				End:       20,
				Lines:     []protocol.LineEntry{{CodeIndex: 0, Line: 10}, {CodeIndex: 5, Line: 11}, {CodeIndex: 12, Line: 12}},
				ArgCount:  1,
				Variables: []protocol.VariableSlot{
					{CodeIndex: 0, Name: "args", Signature: "[Ljava/lang/String;", Length: 20, Slot: 0},
					{CodeIndex: 5, Name: "count", Signature: "I", Length: 15, Slot: 1},
					{CodeIndex: 12, Name: "greeting", Signature: "Ljava/lang/String;", Length: 8, Slot: 2},
					{CodeIndex: 18, Name: "late", Signature: "J", Length: 2, Slot: 3},
				},
			},
		},
	}
	stringClass = jdwptest.Class{ID: 200, Tag: constants.TypeTagClass, Signature: "Ljava/lang/String;"}
	stopLocation = protocol.Location{TypeTag: constants.TypeTagClass, Class: 100, Method: 7, Index: 12}
)

// newTestDebugger 启动连接到假虚拟机的调试器，返回的通道收到所有回调事件
func newTestDebugger(t *testing.T, vm *jdwptest.FakeVM, breakpoints ...string) (*JavaDebugger, chan interface{}) {
	events := make(chan interface{}, 128)
	d := NewJavaDebugger()
	err := d.Start(context.Background(), &StartOption{
		Connector:   jdwp.ConnectorFunc(vm.Connector()),
		Breakpoints: breakpoints,
		Callback: func(ev interface{}) {
			events <- ev
		},
	})
	require.Nil(t, err)
	t.Cleanup(func() { _ = d.Terminate(context.Background()) })
	return d, events
}

func newTestVM() *jdwptest.FakeVM {
	vm := jdwptest.New()
	vm.AddClass(mainClass)
	vm.AddClass(stringClass)
	vm.AddObject(jdwptest.Object{ID: 60, Class: 200, String: "hello"})
	vm.AddObject(jdwptest.Object{ID: 70, Class: 100})
	vm.AddThread(jdwptest.Thread{ID: 1, Name: "main"})
	vm.SetFrames(1, []jdwptest.Frame{{
		ID:       1,
		Location: stopLocation,
		Values: map[int32]protocol.Value{
			0: protocol.ObjectValue(constants.TagArray, 0),
			1: protocol.IntValue(42),
			2: protocol.ObjectValue(constants.TagString, 60),
		},
		This: protocol.TaggedObjectID{Tag: constants.TagObject, Object: 70},
	}})
	return vm
}

// waitFor 等待某一类型的事件，忽略其他事件
func waitFor[T any](t *testing.T, events chan interface{}) T {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if target, ok := ev.(T); ok {
				return target
			}
		case <-deadline:
			var zero T
			t.Fatalf("wait for %T timeout", zero)
			return zero
		}
	}
}

func findSet(vm *jdwptest.FakeVM, kind constants.EventKind) (jdwptest.SetRecord, bool) {
	sets := vm.SetRequests()
	for i := len(sets) - 1; i >= 0; i-- {
		if sets[i].Kind == kind {
			return sets[i], true
		}
	}
	return jdwptest.SetRecord{}, false
}

func hitBreakpoint(t *testing.T, vm *jdwptest.FakeVM, set jdwptest.SetRecord) {
	hit := &protocol.BreakpointEvent{}
	hit.Request = set.ID
	hit.Thread = 1
	hit.Location = *set.Location
	require.Nil(t, vm.SendEvents(constants.SuspendAll, hit))
}

func TestParseBreakpointSpec(t *testing.T) {
	tests := []struct {
		spec   string
		class  string
		line   int32
		method string
		fail   bool
	}{
		{spec: "com.example.Main:12", class: "com.example.Main", line: 12},
		{spec: " Main:1 ", class: "Main", line: 1},
		{spec: "com.example.Main.run", class: "com.example.Main", method: "run"},
		{spec: "com.example.Main:0", fail: true},
		{spec: "com.example.Main:x", fail: true},
		{spec: ":12", fail: true},
		{spec: "Main", fail: true},
		{spec: "Main.", fail: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			spec, err := parseBreakpointSpec(tt.spec)
			if tt.fail {
				assert.ErrorIs(t, err, e.ErrBreakpointSpec)
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tt.class, spec.Class)
			assert.Equal(t, tt.line, spec.Line)
			assert.Equal(t, tt.method, spec.Method)
		})
	}
}

func TestSourcePath(t *testing.T) {
	assert.Equal(t, "com/example/Main.java", sourcePath("Lcom/example/Main;"))
	assert.Equal(t, "com/example/Main.java", sourcePath("Lcom/example/Main$Inner;"))
	assert.Equal(t, "Main.java", sourcePath("LMain;"))
}

func TestTagOf(t *testing.T) {
	assert.Equal(t, constants.TagString, tagOf("Ljava/lang/String;"))
	assert.Equal(t, constants.TagObject, tagOf("Ljava/util/List;"))
	assert.Equal(t, constants.TagArray, tagOf("[I"))
	assert.Equal(t, constants.TagInt, tagOf("I"))
	assert.Equal(t, constants.TagLong, tagOf("J"))
}

func TestJavaDebugger_BreakpointStop(t *testing.T) {
	vm := newTestVM()
	d, events := newTestDebugger(t, vm)
	ctx := context.Background()
	assert.Equal(t, LaunchSuccessEvent, waitFor[*LaunchEvent](t, events))

	bps, err := d.SetBreakpoints(ctx, []string{"com.example.Main:12", "bad spec"})
	require.Nil(t, err)
	require.Len(t, bps, 2)
	assert.True(t, bps[0].Verified)
	assert.Equal(t, "com/example/Main.java", bps[0].Path)
	assert.Equal(t, 12, bps[0].Line)
	assert.False(t, bps[1].Verified)
	assert.NotEmpty(t, bps[1].Message)

	set, ok := findSet(vm, constants.EventBreakpoint)
	require.True(t, ok)
	assert.Equal(t, constants.SuspendAll, set.Policy)
	assert.Equal(t, uint64(12), set.Location.Index)

	require.Nil(t, d.Run(ctx))
	hitBreakpoint(t, vm, set)
	stopped := waitFor[*StoppedEvent](t, events)
	assert.Equal(t, constants.BreakpointStopped, stopped.Reason)
	assert.Equal(t, 1, stopped.ThreadID)
	assert.Equal(t, "com/example/Main.java", stopped.File)
	assert.Equal(t, 12, stopped.Line)

	threads, err := d.Threads(ctx)
	require.Nil(t, err)
	assert.Equal(t, []*Thread{{ID: 1, Name: "main"}}, threads)

	frames, err := d.GetStackTrace(ctx, 1)
	require.Nil(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "com.example.Main.run", frames[0].Name)
	assert.Equal(t, 12, frames[0].Line)

	scopes, err := d.GetScopes(ctx, frames[0].ID)
	require.Nil(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, constants.Local, scopes[0].Name)
	assert.Equal(t, constants.This, scopes[1].Name)

	locals, err := d.GetVariables(ctx, scopes[0].Reference)
	require.Nil(t, err)
	require.Len(t, locals, 3)
	assert.Equal(t, &Variable{Name: "args", Type: "java.lang.String[]", Value: "null"}, locals[0])
	assert.Equal(t, &Variable{Name: "count", Type: "int", Value: "42"}, locals[1])
	assert.Equal(t, &Variable{Name: "greeting", Type: "java.lang.String", Value: `"hello"`}, locals[2])

	this, err := d.GetVariables(ctx, scopes[1].Reference)
	require.Nil(t, err)
	require.Len(t, this, 1)
	assert.Equal(t, "com.example.Main@70", this[0].Value)

	// 继续执行后引用失效
	require.Nil(t, d.Continue(ctx))
	continued := waitFor[*ContinuedEvent](t, events)
	assert.Equal(t, 1, continued.ThreadID)
	_, err = d.GetScopes(ctx, frames[0].ID)
	assert.ErrorIs(t, err, e.ErrStaleFrame)
	_, err = d.GetStackTrace(ctx, 1)
	assert.ErrorIs(t, err, e.ErrProgramIsRunning)
	assert.Equal(t, int32(0), vm.SuspendCount(1))

	// 移除断点
	bps, err = d.SetBreakpoints(ctx, nil)
	require.Nil(t, err)
	assert.Empty(t, bps)
	assert.Contains(t, vm.Cleared(), set.ID)
}

func TestJavaDebugger_DeferredBreakpoint(t *testing.T) {
	vm := newTestVM()
	d, events := newTestDebugger(t, vm)
	ctx := context.Background()

	bps, err := d.SetBreakpoints(ctx, []string{"com.example.Later:3"})
	require.Nil(t, err)
	require.Len(t, bps, 1)
	assert.False(t, bps[0].Verified)

	prepare, ok := findSet(vm, constants.EventClassPrepare)
	require.True(t, ok)
	assert.Equal(t, "com.example.Later", prepare.ClassPattern)
	assert.Equal(t, constants.SuspendEventThread, prepare.Policy)

	vm.AddClass(jdwptest.Class{
		ID:        300,
		Tag:       constants.TypeTagClass,
		Signature: "Lcom/example/Later;",
		Methods: []jdwptest.Method{{
			ID: 1, Name: "go", Signature: "()V", Start: 0, End: 10,
			Lines: []protocol.LineEntry{{CodeIndex: 0, Line: 3}},
		}},
	})
	ev := &protocol.ClassPrepareEvent{
		Thread:    1,
		TypeTag:   constants.TypeTagClass,
		TypeID:    300,
		Signature: "Lcom/example/Later;",
	}
	ev.Request = prepare.ID
	require.Nil(t, vm.SendEvents(constants.SuspendEventThread, ev))

	changed := waitFor[*BreakpointEvent](t, events)
	assert.Equal(t, constants.ChangedType, changed.Reason)
	assert.True(t, changed.Breakpoint.Verified)
	assert.Equal(t, bps[0].ID, changed.Breakpoint.ID)
	assert.Equal(t, "com/example/Later.java", changed.Breakpoint.Path)

	set, ok := findSet(vm, constants.EventBreakpoint)
	require.True(t, ok)
	assert.Equal(t, protocol.ReferenceTypeID(300), set.Location.Class)
	// 加载类的线程被恢复
	assert.Eventually(t, func() bool {
		return vm.SuspendCount(1) == 0
	}, timeout, tick)
}

func TestJavaDebugger_Step(t *testing.T) {
	vm := newTestVM()
	d, events := newTestDebugger(t, vm, "com.example.Main.run")
	ctx := context.Background()

	assert.ErrorIs(t, d.StepOver(ctx, 1), e.ErrProgramIsRunning)
	require.Nil(t, d.Run(ctx))
	set, ok := findSet(vm, constants.EventBreakpoint)
	require.True(t, ok)
	hitBreakpoint(t, vm, set)
	_ = waitFor[*StoppedEvent](t, events)

	require.Nil(t, d.StepOver(ctx, 1))
	step, ok := findSet(vm, constants.EventSingleStep)
	require.True(t, ok)
	assert.Equal(t, protocol.ThreadID(1), step.Thread)
	assert.Equal(t, constants.SuspendAll, step.Policy)
	_ = waitFor[*ContinuedEvent](t, events)

	ev := &protocol.SingleStepEvent{}
	ev.Request = step.ID
	ev.Thread = 1
	ev.Location = stopLocation
	require.Nil(t, vm.SendEvents(constants.SuspendAll, ev))
	stopped := waitFor[*StoppedEvent](t, events)
	assert.Equal(t, constants.StepStopped, stopped.Reason)
	assert.Equal(t, 12, stopped.Line)

	// 单步请求命中后自动清除
	assert.Eventually(t, func() bool {
		for _, id := range vm.Cleared() {
			if id == step.ID {
				return true
			}
		}
		return false
	}, timeout, tick)
}

func TestJavaDebugger_Pause(t *testing.T) {
	vm := newTestVM()
	d, events := newTestDebugger(t, vm)
	ctx := context.Background()

	assert.ErrorIs(t, d.Pause(ctx), e.ErrProgramNotRunning)
	require.Nil(t, d.Run(ctx))
	require.Nil(t, d.Pause(ctx))
	stopped := waitFor[*StoppedEvent](t, events)
	assert.Equal(t, constants.PauseStopped, stopped.Reason)
	assert.Equal(t, 1, stopped.ThreadID)

	frames, err := d.GetStackTrace(ctx, 1)
	require.Nil(t, err)
	assert.Len(t, frames, 1)
}

func TestJavaDebugger_ThreadEvents(t *testing.T) {
	vm := newTestVM()
	_, events := newTestDebugger(t, vm)

	start, ok := findSet(vm, constants.EventThreadStart)
	require.True(t, ok)
	assert.Equal(t, constants.SuspendNone, start.Policy)
	ev := &protocol.ThreadStartEvent{Thread: 2}
	ev.Request = start.ID
	require.Nil(t, vm.SendEvents(constants.SuspendNone, ev))

	started := waitFor[*ThreadEvent](t, events)
	assert.Equal(t, constants.ThreadStarted, started.Reason)
	assert.Equal(t, 2, started.ThreadID)
}

func TestJavaDebugger_VMDeath(t *testing.T) {
	vm := newTestVM()
	d, events := newTestDebugger(t, vm)

	require.Nil(t, vm.SendEvents(constants.SuspendNone, &protocol.VMDeathEvent{}))
	_ = waitFor[*ExitedEvent](t, events)
	_ = waitFor[*TerminatedEvent](t, events)
	assert.True(t, d.statusManager.Is(constants.Finish))

	_, err := d.SetBreakpoints(context.Background(), []string{"com.example.Main:12"})
	assert.ErrorIs(t, err, e.ErrProgramNotRunning)
	assert.Nil(t, d.Terminate(context.Background()))
}

func TestJavaDebugger_Terminate(t *testing.T) {
	vm := newTestVM()
	d, events := newTestDebugger(t, vm)

	require.Nil(t, d.Terminate(context.Background()))
	_ = waitFor[*TerminatedEvent](t, events)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
