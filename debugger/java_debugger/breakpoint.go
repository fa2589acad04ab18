package java_debugger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fansqz/go-jdi/constants"
	. "github.com/fansqz/go-jdi/debugger"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdi"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/fansqz/go-jdi/utils"
	"github.com/sirupsen/logrus"
)

// breakpointSpec 解析后的断点，Line和Method只有一个有效
type breakpointSpec struct {
	raw    string
	Class  string
	Line   int32
	Method string
}

// parseBreakpointSpec 解析 类名:行号 或 类名.方法名
func parseBreakpointSpec(spec string) (*breakpointSpec, error) {
	spec = strings.TrimSpace(spec)
	if i := strings.LastIndex(spec, ":"); i >= 0 {
		line, err := strconv.Atoi(spec[i+1:])
		if err != nil || line <= 0 || i == 0 {
			return nil, fmt.Errorf("%w: %q", e.ErrBreakpointSpec, spec)
		}
		return &breakpointSpec{raw: spec, Class: spec[:i], Line: int32(line)}, nil
	}
	i := strings.LastIndex(spec, ".")
	if i <= 0 || i == len(spec)-1 {
		return nil, fmt.Errorf("%w: %q", e.ErrBreakpointSpec, spec)
	}
	return &breakpointSpec{raw: spec, Class: spec[:i], Method: spec[i+1:]}, nil
}

// breakpoint 一个用户断点
// 类已加载时对每个同名类型各有一个断点请求，未加载时等待ClassPrepare
type breakpoint struct {
	id       int
	spec     *breakpointSpec
	requests []*jdi.EventRequest
	prepare  *jdi.EventRequest
	path     string
	line     int
	message  string
}

func (b *breakpoint) view() *Breakpoint {
	return &Breakpoint{
		ID:       b.id,
		Spec:     b.spec.raw,
		Verified: len(b.requests) > 0,
		Message:  b.message,
		Path:     b.path,
		Line:     b.line,
	}
}

func (j *JavaDebugger) SetBreakpoints(ctx context.Context, specs []string) ([]*Breakpoint, error) {
	logrus.Infof("[JavaDebugger] SetBreakpoints")
	if j.session == nil || j.statusManager.Is(constants.Finish) {
		return nil, e.ErrProgramNotRunning
	}
	j.mutex.Lock()
	defer j.mutex.Unlock()

	// 移除不再需要的断点
	wanted := utils.List2set(specs)
	for spec, bp := range j.breakpoints {
		if !wanted.Contains(spec) {
			j.removeBreakpoint(ctx, bp)
			delete(j.breakpoints, spec)
		}
	}

	answer := make([]*Breakpoint, 0, len(specs))
	for _, spec := range specs {
		bp, ok := j.breakpoints[spec]
		if !ok {
			var err error
			if bp, err = j.addBreakpoint(ctx, spec); err != nil {
				logrus.Warnf("[JavaDebugger] add breakpoint %s fail, err = %v", spec, err)
				answer = append(answer, &Breakpoint{Spec: spec, Message: err.Error()})
				continue
			}
			j.breakpoints[spec] = bp
		}
		answer = append(answer, bp.view())
	}
	return answer, nil
}

func (j *JavaDebugger) addBreakpoint(ctx context.Context, raw string) (*breakpoint, error) {
	spec, err := parseBreakpointSpec(raw)
	if err != nil {
		return nil, err
	}
	j.nextBreakpoint++
	bp := &breakpoint{id: j.nextBreakpoint, spec: spec}

	classes, err := j.session.ClassesByName(ctx, spec.Class)
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		// 类还没有加载，等待加载后再设置
		prepare := j.session.Requests().CreateClassPrepare(spec.Class, constants.SuspendEventThread)
		if err = prepare.Enable(ctx); err != nil {
			return nil, err
		}
		bp.prepare = prepare
		bp.message = fmt.Sprintf("class %s not loaded yet", spec.Class)
		j.watch(prepare, func(ctx context.Context, msg jdi.EventMessage) {
			j.handleClassPrepare(ctx, bp, msg)
		})
		return bp, nil
	}

	var errs []error
	for _, class := range classes {
		if err = j.resolve(ctx, bp, class.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(bp.requests) == 0 {
		return nil, errors.Join(errs...)
	}
	return bp, nil
}

// resolve 在已加载的类型上创建断点请求
func (j *JavaDebugger) resolve(ctx context.Context, bp *breakpoint, typeID protocol.ReferenceTypeID) error {
	requests := j.session.Requests()
	var req *jdi.EventRequest
	var err error
	if bp.spec.Method != "" {
		req, err = requests.CreateMethodBreakpoint(ctx, typeID, bp.spec.Method, constants.SuspendAll)
	} else {
		req, err = requests.CreateLineBreakpoint(ctx, typeID, bp.spec.Line, constants.SuspendAll)
	}
	if err != nil {
		return err
	}
	if err = req.Enable(ctx); err != nil {
		return err
	}
	bp.requests = append(bp.requests, req)
	bp.message = ""
	if loc, ok := req.Location(); ok {
		bp.path, bp.line = j.position(ctx, loc)
	}
	j.watch(req, func(ctx context.Context, msg jdi.EventMessage) {
		j.handleStop(ctx, constants.BreakpointStopped, msg)
	})
	return nil
}

func (j *JavaDebugger) removeBreakpoint(ctx context.Context, bp *breakpoint) {
	for _, req := range bp.requests {
		if err := req.Delete(ctx); err != nil {
			logrus.Warnf("[JavaDebugger] delete breakpoint %s fail, err = %v", bp.spec.raw, err)
		}
	}
	if bp.prepare != nil {
		_ = bp.prepare.Delete(ctx)
	}
}

// handleClassPrepare 等待中的断点所在的类加载完成，设置断点后恢复加载类的线程
func (j *JavaDebugger) handleClassPrepare(ctx context.Context, bp *breakpoint, msg jdi.EventMessage) {
	ev, ok := msg.Event.(*protocol.ClassPrepareEvent)
	if !ok {
		return
	}
	j.mutex.Lock()
	if j.breakpoints[bp.spec.raw] == bp {
		if err := j.resolve(ctx, bp, ev.TypeID); err != nil {
			logrus.Warnf("[JavaDebugger] resolve breakpoint %s fail, err = %v", bp.spec.raw, err)
			bp.message = err.Error()
		}
		j.callback(NewBreakpointEvent(constants.ChangedType, bp.view()))
	}
	j.mutex.Unlock()

	if msg.SuspendPolicy == constants.SuspendEventThread && ev.Thread != 0 {
		if err := j.session.Threads().Resume(ctx, ev.Thread); err != nil {
			logrus.Errorf("[JavaDebugger] resume thread %d fail, err = %v", ev.Thread, err)
		}
	}
}
