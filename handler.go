package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fansqz/go-jdi/constants"
	. "github.com/fansqz/go-jdi/debugger"
	"github.com/fansqz/go-jdi/debugger/java_debugger"
	"github.com/fansqz/go-jdi/jdwp"
	"github.com/fansqz/go-jdi/launch"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// launchArguments launch请求的参数，未填写的项使用配置文件中的值
type launchArguments struct {
	Java        string   `json:"java"`
	MainClass   string   `json:"mainClass"`
	Classpath   []string `json:"classpath"`
	Args        []string `json:"args"`
	VMArgs      []string `json:"vmArgs"`
	SourceRoots []string `json:"sourceRoots"`
}

// attachArguments attach请求的参数，地址为空时使用配置文件中的地址
type attachArguments struct {
	Address     string   `json:"address"`
	SourceRoots []string `json:"sourceRoots"`
}

func (d *DebugSession) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsFunctionBreakpoints = true
	response.Body.SupportsConditionalBreakpoints = false
	response.Body.SupportsHitConditionalBreakpoints = false
	response.Body.SupportsEvaluateForHovers = false
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{}
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetVariable = false
	response.Body.SupportsRestartFrame = false
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportTerminateDebuggee = true
	d.send(response)
}

func (d *DebugSession) onLaunchRequest(request *dap.LaunchRequest) {
	args := launchArguments{}
	if err := json.Unmarshal(request.Arguments, &args); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, fmt.Sprintf("invalid launch arguments: %v", err)))
		return
	}
	options := launch.Options{
		Java:      firstNonEmpty(args.Java, d.cfg.Launch.Java),
		MainClass: firstNonEmpty(args.MainClass, d.cfg.Launch.MainClass),
		Classpath: args.Classpath,
		Args:      args.Args,
		JVMArgs:   args.VMArgs,
		Suspend:   d.cfg.Launch.Suspend,
	}
	if len(options.Classpath) == 0 {
		options.Classpath = d.cfg.Launch.Classpath
	}
	if len(options.Args) == 0 {
		options.Args = d.cfg.Launch.Args
	}
	if options.MainClass == "" {
		d.send(newErrorResponse(request.Seq, request.Command, "mainClass is required"))
		return
	}

	process, err := launch.Start(d.ctx, options)
	if err != nil {
		logrus.Errorf("[Handler] launch fail, err = %v", err)
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	d.mutex.Lock()
	d.process = process
	d.mutex.Unlock()
	if err = d.startDebugger(process.Connector(), process, args.SourceRoots); err != nil {
		_ = process.Close()
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.LaunchResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
	d.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (d *DebugSession) onAttachRequest(request *dap.AttachRequest) {
	args := attachArguments{}
	if len(request.Arguments) > 0 {
		if err := json.Unmarshal(request.Arguments, &args); err != nil {
			d.send(newErrorResponse(request.Seq, request.Command, fmt.Sprintf("invalid attach arguments: %v", err)))
			return
		}
	}
	addresses := d.cfg.Session.Addresses
	if args.Address != "" {
		addresses = []string{args.Address}
	}
	if err := d.startDebugger(socketConnector(d.cfg, addresses), nil, args.SourceRoots); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.AttachResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
	d.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

// startDebugger 连接目标虚拟机，一个会话只能启动一次
func (d *DebugSession) startDebugger(connector jdwp.Connector, target Target, sourceRoots []string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.debugger != nil {
		return fmt.Errorf("debugger already started")
	}
	dbg := java_debugger.NewJavaDebugger()
	err := dbg.Start(d.ctx, &StartOption{
		Connector: connector,
		Session:   sessionOptions(d.cfg),
		Target:    target,
		Callback:  d.onDebugEvent,
	})
	if err != nil {
		logrus.Errorf("[Handler] start debugger fail, err = %v", err)
		return err
	}
	d.debugger = dbg
	d.sourceRoots = sourceRoots
	return nil
}

func (d *DebugSession) onDisconnectRequest(request *dap.DisconnectRequest) {
	d.terminate(d.ctx)
	response := &dap.DisconnectResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onTerminateRequest(request *dap.TerminateRequest) {
	dbg, err := d.getDebugger()
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	if err = dbg.Terminate(d.ctx); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.TerminateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	source := request.Arguments.Source
	class := classForSource(source.Path, d.sourceRoots)
	specs := make([]string, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		specs[i] = fmt.Sprintf("%s:%d", class, b.Line)
	}
	results, err := d.applyBreakpoints(d.breakpoints.SetSource(source.Path, specs))
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.SetBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Breakpoints = make([]dap.Breakpoint, len(specs))
	for i, spec := range specs {
		response.Body.Breakpoints[i] = d.toDapBreakpoint(results[spec])
		response.Body.Breakpoints[i].Line = request.Arguments.Breakpoints[i].Line
	}
	d.send(response)
}

func (d *DebugSession) onSetFunctionBreakpointsRequest(request *dap.SetFunctionBreakpointsRequest) {
	specs := make([]string, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		specs[i] = b.Name
	}
	results, err := d.applyBreakpoints(d.breakpoints.SetFunctions(specs))
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.SetFunctionBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Breakpoints = make([]dap.Breakpoint, len(specs))
	for i, spec := range specs {
		response.Body.Breakpoints[i] = d.toDapBreakpoint(results[spec])
	}
	d.send(response)
}

// applyBreakpoints 把全部断点交给调试器，返回以断点描述为键的结果
func (d *DebugSession) applyBreakpoints(all []string) (map[string]*Breakpoint, error) {
	dbg, err := d.getDebugger()
	if err != nil {
		return nil, err
	}
	list, err := dbg.SetBreakpoints(d.ctx, all)
	if err != nil {
		return nil, err
	}
	answer := make(map[string]*Breakpoint, len(list))
	for _, bp := range list {
		answer[bp.Spec] = bp
	}
	return answer, nil
}

func (d *DebugSession) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	response := &dap.SetExceptionBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	dbg, err := d.getDebugger()
	if err == nil {
		err = dbg.Run(d.ctx)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ConfigurationDoneResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onThreadsRequest(request *dap.ThreadsRequest) {
	dbg, err := d.getDebugger()
	var threads []*Thread
	if err == nil {
		threads, err = dbg.Threads(d.ctx)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ThreadsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Threads = make([]dap.Thread, len(threads))
	for i, t := range threads {
		response.Body.Threads[i] = dap.Thread{Id: t.ID, Name: t.Name}
	}
	d.send(response)
}

func (d *DebugSession) onPauseRequest(request *dap.PauseRequest) {
	dbg, err := d.getDebugger()
	if err == nil {
		err = dbg.Pause(d.ctx)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.PauseResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onContinueRequest(request *dap.ContinueRequest) {
	dbg, err := d.getDebugger()
	if err == nil {
		err = dbg.Continue(d.ctx)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ContinueResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.AllThreadsContinued = true
	d.send(response)
}

// step 单步调试
func (d *DebugSession) step(stepType constants.StepType, threadID int) error {
	dbg, err := d.getDebugger()
	if err != nil {
		return err
	}
	switch stepType {
	case constants.StepIn:
		return dbg.StepIn(d.ctx, threadID)
	case constants.StepOut:
		return dbg.StepOut(d.ctx, threadID)
	default:
		return dbg.StepOver(d.ctx, threadID)
	}
}

func (d *DebugSession) onNextRequest(request *dap.NextRequest) {
	if err := d.step(constants.StepOver, request.Arguments.ThreadId); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.NextResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onStepInRequest(request *dap.StepInRequest) {
	if err := d.step(constants.StepIn, request.Arguments.ThreadId); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.StepInResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onStepOutRequest(request *dap.StepOutRequest) {
	if err := d.step(constants.StepOut, request.Arguments.ThreadId); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.StepOutResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) onStackTraceRequest(request *dap.StackTraceRequest) {
	dbg, err := d.getDebugger()
	var frames []*StackFrame
	if err == nil {
		frames, err = dbg.GetStackTrace(d.ctx, request.Arguments.ThreadId)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	total := len(frames)
	// 分页
	start := request.Arguments.StartFrame
	if start > len(frames) {
		start = len(frames)
	}
	frames = frames[start:]
	if levels := request.Arguments.Levels; levels > 0 && levels < len(frames) {
		frames = frames[:levels]
	}
	stackFrames := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		stackFrames[i] = dap.StackFrame{
			Id:     f.ID,
			Name:   f.Name,
			Source: d.toDapSource(f.Path),
			Line:   f.Line,
			Column: 1,
		}
	}
	response := &dap.StackTraceResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body = dap.StackTraceResponseBody{
		StackFrames: stackFrames,
		TotalFrames: total,
	}
	d.send(response)
}

func (d *DebugSession) onScopesRequest(request *dap.ScopesRequest) {
	dbg, err := d.getDebugger()
	var scopes []*Scope
	if err == nil {
		scopes, err = dbg.GetScopes(d.ctx, request.Arguments.FrameId)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ScopesResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Scopes = make([]dap.Scope, len(scopes))
	for i, s := range scopes {
		response.Body.Scopes[i] = dap.Scope{Name: string(s.Name), VariablesReference: s.Reference}
	}
	d.send(response)
}

func (d *DebugSession) onVariablesRequest(request *dap.VariablesRequest) {
	dbg, err := d.getDebugger()
	var variables []*Variable
	if err == nil {
		variables, err = dbg.GetVariables(d.ctx, request.Arguments.VariablesReference)
	}
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.VariablesResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Variables = make([]dap.Variable, len(variables))
	for i, v := range variables {
		response.Body.Variables[i] = dap.Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			VariablesReference: v.Reference,
		}
	}
	d.send(response)
}

// onDebugEvent 把调试器的事件转换为DAP事件
func (d *DebugSession) onDebugEvent(event interface{}) {
	switch ev := event.(type) {
	case *LaunchEvent:
		logrus.Infof("[Handler] launch event, success = %v, message = %s", ev.Success, ev.Message)
	case *BreakpointEvent:
		d.send(&dap.BreakpointEvent{
			Event: *newEvent("breakpoint"),
			Body:  dap.BreakpointEventBody{Reason: string(ev.Reason), Breakpoint: d.toDapBreakpoint(ev.Breakpoint)},
		})
	case *OutputEvent:
		d.send(&dap.OutputEvent{
			Event: *newEvent(string(constants.OutputEvent)),
			Body:  dap.OutputEventBody{Category: "stdout", Output: ev.Output},
		})
	case *StoppedEvent:
		d.send(&dap.StoppedEvent{
			Event: *newEvent(string(constants.StoppedEvent)),
			Body:  dap.StoppedEventBody{Reason: string(ev.Reason), ThreadId: ev.ThreadID, AllThreadsStopped: true},
		})
	case *ContinuedEvent:
		d.send(&dap.ContinuedEvent{
			Event: *newEvent(string(constants.ContinuedEvent)),
			Body:  dap.ContinuedEventBody{ThreadId: ev.ThreadID, AllThreadsContinued: true},
		})
	case *ThreadEvent:
		d.send(&dap.ThreadEvent{
			Event: *newEvent(string(constants.ThreadEvent)),
			Body:  dap.ThreadEventBody{Reason: string(ev.Reason), ThreadId: ev.ThreadID},
		})
	case *ExitedEvent:
		d.send(&dap.ExitedEvent{
			Event: *newEvent(string(constants.ExitedEvent)),
			Body:  dap.ExitedEventBody{ExitCode: ev.ExitCode},
		})
	case *TerminatedEvent:
		d.send(&dap.TerminatedEvent{Event: *newEvent(string(constants.TerminatedEvent))})
	default:
		logrus.Warnf("[Handler] unknown debug event %#v", event)
	}
}

func (d *DebugSession) toDapBreakpoint(bp *Breakpoint) dap.Breakpoint {
	if bp == nil {
		return dap.Breakpoint{Verified: false, Message: "breakpoint not set"}
	}
	answer := dap.Breakpoint{
		Id:       bp.ID,
		Verified: bp.Verified,
		Message:  bp.Message,
		Line:     bp.Line,
	}
	if bp.Path != "" {
		answer.Source = d.toDapSource(bp.Path)
	}
	return answer
}

// toDapSource 在源文件根目录中查找源文件，找不到时使用相对路径
func (d *DebugSession) toDapSource(rel string) *dap.Source {
	if rel == "" {
		return nil
	}
	path := rel
	for _, root := range d.sourceRoots {
		candidate := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	return &dap.Source{Name: filepath.Base(rel), Path: path}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
