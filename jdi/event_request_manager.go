package jdi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
)

// RequestState 事件请求的生命周期状态
type RequestState int

const (
	RequestCreated RequestState = iota
	RequestEnabled
	RequestDisabled
	// RequestAutoCleared 一次性请求命中后被自动清除
	RequestAutoCleared
	RequestDeleted
)

func (s RequestState) String() string {
	switch s {
	case RequestCreated:
		return "created"
	case RequestEnabled:
		return "enabled"
	case RequestDisabled:
		return "disabled"
	case RequestAutoCleared:
		return "autoCleared"
	case RequestDeleted:
		return "deleted"
	}
	return fmt.Sprintf("RequestState(%d)", int(s))
}

// EventRequestManager 管理断点、单步等事件请求
type EventRequestManager struct {
	cmd   Commander
	demux *EventDemux
	types *TypeCache
	caps  func() protocol.Capabilities
	log   *logrus.Entry

	mu     sync.Mutex
	active map[protocol.EventRequestID]*EventRequest
}

func NewEventRequestManager(cmd Commander, demux *EventDemux, types *TypeCache,
	caps func() protocol.Capabilities, log *logrus.Entry) *EventRequestManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if caps == nil {
		caps = func() protocol.Capabilities { return protocol.Capabilities{} }
	}
	return &EventRequestManager{
		cmd:    cmd,
		demux:  demux,
		types:  types,
		caps:   caps,
		log:    log,
		active: map[protocol.EventRequestID]*EventRequest{},
	}
}

// newRequest 创建请求，事件订阅在创建时就已存在，启用后才绑定请求id
func (m *EventRequestManager) newRequest(kind constants.EventKind, policy constants.SuspendPolicy,
	singleShot bool, modifiers ...protocol.Modifier) *EventRequest {
	for _, mod := range modifiers {
		// 带计数过滤的请求在目标端只报告一次
		if mod.Kind() == constants.ModCount {
			singleShot = true
		}
	}
	return &EventRequest{
		manager:    m,
		kind:       kind,
		policy:     policy,
		modifiers:  modifiers,
		singleShot: singleShot,
		sub:        m.demux.NewSubscription(),
	}
}

// CreateBreakpoint 在指定位置创建断点，位置需要能在类型元数据中解析
func (m *EventRequestManager) CreateBreakpoint(ctx context.Context, loc protocol.Location,
	policy constants.SuspendPolicy, modifiers ...protocol.Modifier) (*EventRequest, error) {
	md, err := m.types.MetadataFor(ctx, loc.Class)
	if err != nil {
		if e.IsRemote(err, constants.ErrInvalidClass, constants.ErrInvalidObject) {
			return nil, fmt.Errorf("%w: unknown class %d", e.ErrInvalidLocation, loc.Class)
		}
		return nil, err
	}
	if err = md.ValidateLocation(loc); err != nil {
		return nil, err
	}
	if err = m.checkModifiers(modifiers); err != nil {
		return nil, err
	}
	mods := append([]protocol.Modifier{protocol.LocationOnlyModifier{Location: loc}}, modifiers...)
	return m.newRequest(constants.EventBreakpoint, policy, false, mods...), nil
}

// CreateLineBreakpoint 在类型的某一行创建断点
func (m *EventRequestManager) CreateLineBreakpoint(ctx context.Context, typeID protocol.ReferenceTypeID,
	line int32, policy constants.SuspendPolicy) (*EventRequest, error) {
	md, err := m.types.MetadataFor(ctx, typeID)
	if err != nil {
		return nil, err
	}
	loc, err := md.LocationOfLine(line)
	if err != nil {
		return nil, err
	}
	return m.CreateBreakpoint(ctx, loc, policy)
}

// CreateMethodBreakpoint 在方法入口创建断点
func (m *EventRequestManager) CreateMethodBreakpoint(ctx context.Context, typeID protocol.ReferenceTypeID,
	method string, policy constants.SuspendPolicy) (*EventRequest, error) {
	md, err := m.types.MetadataFor(ctx, typeID)
	if err != nil {
		return nil, err
	}
	loc, err := md.LocationOfMethod(method)
	if err != nil {
		return nil, err
	}
	return m.CreateBreakpoint(ctx, loc, policy)
}

// CreateStep 创建单步请求，命中一次后自动清除
func (m *EventRequestManager) CreateStep(thread protocol.ThreadID, size constants.StepSize,
	depth constants.StepDepth, policy constants.SuspendPolicy, modifiers ...protocol.Modifier) (*EventRequest, error) {
	if err := m.checkModifiers(modifiers); err != nil {
		return nil, err
	}
	mods := append([]protocol.Modifier{protocol.StepModifier{Thread: thread, Size: size, Depth: depth}}, modifiers...)
	return m.newRequest(constants.EventSingleStep, policy, true, mods...), nil
}

// CreateClassPrepare 类加载请求，pattern为空时匹配所有类
func (m *EventRequestManager) CreateClassPrepare(pattern string, policy constants.SuspendPolicy) *EventRequest {
	var mods []protocol.Modifier
	if pattern != "" {
		mods = append(mods, protocol.ClassMatchModifier{Pattern: pattern})
	}
	return m.newRequest(constants.EventClassPrepare, policy, false, mods...)
}

func (m *EventRequestManager) CreateThreadStart(policy constants.SuspendPolicy) *EventRequest {
	return m.newRequest(constants.EventThreadStart, policy, false)
}

func (m *EventRequestManager) CreateThreadDeath(policy constants.SuspendPolicy) *EventRequest {
	return m.newRequest(constants.EventThreadDeath, policy, false)
}

// CreateException 异常请求，exception为0时匹配所有异常
func (m *EventRequestManager) CreateException(exception protocol.ReferenceTypeID, caught, uncaught bool,
	policy constants.SuspendPolicy) *EventRequest {
	return m.newRequest(constants.EventException, policy, false,
		protocol.ExceptionOnlyModifier{Exception: exception, Caught: caught, Uncaught: uncaught})
}

// CreateWatchpoint 字段监视点，modification为false时监视读取
func (m *EventRequestManager) CreateWatchpoint(ctx context.Context, typeID protocol.ReferenceTypeID, field string,
	modification bool, policy constants.SuspendPolicy) (*EventRequest, error) {
	caps := m.caps()
	kind := constants.EventFieldAccess
	supported := caps.CanWatchFieldAccess
	if modification {
		kind = constants.EventFieldModification
		supported = caps.CanWatchFieldModification
	}
	if !supported {
		return nil, fmt.Errorf("%w: %s watchpoint", e.ErrUnsupportedOperation, kind)
	}
	md, err := m.types.MetadataFor(ctx, typeID)
	if err != nil {
		return nil, err
	}
	info, ok := md.Field(field)
	if !ok {
		return nil, fmt.Errorf("%w: no field %s in %s", e.ErrInvalidLocation, field, md.Name())
	}
	return m.newRequest(kind, policy, false, protocol.FieldOnlyModifier{Declaring: typeID, Field: info.FieldID}), nil
}

// checkModifiers 检查过滤条件所需的能力
func (m *EventRequestManager) checkModifiers(modifiers []protocol.Modifier) error {
	caps := m.caps()
	for _, mod := range modifiers {
		switch mod.Kind() {
		case constants.ModInstanceOnly:
			if !caps.CanUseInstanceFilters {
				return fmt.Errorf("%w: instance filter", e.ErrUnsupportedOperation)
			}
		case constants.ModSourceNameMatch:
			if !caps.CanUseSourceNameFilters {
				return fmt.Errorf("%w: source name filter", e.ErrUnsupportedOperation)
			}
		}
	}
	return nil
}

// ClearAllBreakpoints 清除目标端所有断点，本地的断点请求全部标记为删除
func (m *EventRequestManager) ClearAllBreakpoints(ctx context.Context) error {
	if err := m.cmd.Call(ctx, protocol.ClearAllBreakpoints{}, nil); err != nil {
		return err
	}
	m.mu.Lock()
	var breakpoints []*EventRequest
	for id, r := range m.active {
		if r.kind == constants.EventBreakpoint {
			breakpoints = append(breakpoints, r)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()
	for _, r := range breakpoints {
		r.markDeleted()
	}
	return nil
}

// Requests 当前已启用的请求
func (m *EventRequestManager) Requests() []*EventRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*EventRequest, 0, len(m.active))
	for _, r := range m.active {
		list = append(list, r)
	}
	return list
}

func (m *EventRequestManager) register(r *EventRequest) {
	m.mu.Lock()
	m.active[r.id] = r
	m.mu.Unlock()
}

func (m *EventRequestManager) unregister(id protocol.EventRequestID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// Reset 会话结束时所有请求都视为已删除
func (m *EventRequestManager) Reset() {
	m.mu.Lock()
	active := m.active
	m.active = map[protocol.EventRequestID]*EventRequest{}
	m.mu.Unlock()
	for _, r := range active {
		r.markDeleted()
	}
}

// ObserveEvent 在投递之后执行，清除已命中的一次性请求
func (m *EventRequestManager) ObserveEvent(_ constants.SuspendPolicy, ev protocol.Event) {
	id := ev.RequestID()
	if id == 0 {
		return
	}
	m.mu.Lock()
	r, ok := m.active[id]
	m.mu.Unlock()
	if ok && r.singleShot {
		m.expire(r, id)
	}
}

// expire 一次性请求已命中，运行在读协程中，向目标端发送Clear必须放到其他协程
func (m *EventRequestManager) expire(r *EventRequest, id protocol.EventRequestID) {
	if !r.autoClear(id) {
		return
	}
	m.unregister(id)
	gosync.Go(context.Background(), func(ctx context.Context) {
		err := m.cmd.Call(ctx, protocol.ClearRequest{EventKind: r.kind, RequestID: id}, nil)
		if err != nil && !isGoneError(err) {
			m.log.Warnf("[EventRequestManager] auto clear %s request %d fail, err = %v", r.kind, id, err)
		}
		m.demux.Forget(id)
	})
}

// isGoneError 请求或会话已不存在，清除请求时可以忽略
func isGoneError(err error) bool {
	return errors.Is(err, e.ErrConnectionClosed) || errors.Is(err, e.ErrInvalidState) ||
		e.IsRemote(err, constants.ErrInvalidEventType, constants.ErrNotFound)
}

// EventRequest 一个事件请求
// opMu串行化Enable、Disable、Delete，可以跨越网络调用
// mu只保护状态，读协程中的自动清除只需要mu
type EventRequest struct {
	manager    *EventRequestManager
	kind       constants.EventKind
	policy     constants.SuspendPolicy
	modifiers  []protocol.Modifier
	singleShot bool
	sub        *Subscription

	opMu  sync.Mutex
	mu    sync.Mutex
	state RequestState
	id    protocol.EventRequestID
}

func (r *EventRequest) Kind() constants.EventKind {
	return r.kind
}

func (r *EventRequest) SuspendPolicy() constants.SuspendPolicy {
	return r.policy
}

// ID 目标端分配的请求id，未启用时为0
func (r *EventRequest) ID() protocol.EventRequestID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *EventRequest) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SingleShot 命中一次后是否自动清除
func (r *EventRequest) SingleShot() bool {
	return r.singleShot
}

// Location 断点请求的位置
func (r *EventRequest) Location() (protocol.Location, bool) {
	for _, mod := range r.modifiers {
		if l, ok := mod.(protocol.LocationOnlyModifier); ok {
			return l.Location, true
		}
	}
	return protocol.Location{}, false
}

// Events 该请求的事件序列，请求删除后读完剩余事件即结束
func (r *EventRequest) Events() *Subscription {
	return r.sub
}

func (r *EventRequest) snapshot() (RequestState, protocol.EventRequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.id
}

// Enable 向目标端注册请求
func (r *EventRequest) Enable(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	state, _ := r.snapshot()
	switch state {
	case RequestEnabled:
		return nil
	case RequestAutoCleared, RequestDeleted:
		return fmt.Errorf("%w: %s request is %s", e.ErrInvalidState, r.kind, state)
	}
	reply := &protocol.SetRequestReply{}
	err := r.manager.cmd.Call(ctx, protocol.SetRequest{
		EventKind:     r.kind,
		SuspendPolicy: r.policy,
		Modifiers:     r.modifiers,
	}, reply)
	if err != nil {
		if e.IsRemote(err, constants.ErrNotImplemented) {
			return fmt.Errorf("%w: %s request: %v", e.ErrUnsupportedOperation, r.kind, err)
		}
		return err
	}
	r.mu.Lock()
	r.id = reply.RequestID
	r.state = RequestEnabled
	r.mu.Unlock()
	r.manager.register(r)
	drained := r.manager.demux.Bind(r.sub, reply.RequestID)
	r.manager.log.Debugf("[EventRequestManager] enable %s request %d", r.kind, reply.RequestID)
	if drained > 0 && r.singleShot {
		// 事件先于启用完成到达，已在暂存区中命中
		r.manager.expire(r, reply.RequestID)
	}
	return nil
}

// Disable 从目标端清除请求，之后可以重新启用，重新启用会得到新的请求id
func (r *EventRequest) Disable(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	return r.clear(ctx, RequestDisabled)
}

// Delete 删除请求，对已删除的请求调用是空操作
func (r *EventRequest) Delete(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	err := r.clear(ctx, RequestDeleted)
	r.mu.Lock()
	if r.state == RequestDeleted {
		r.mu.Unlock()
		return err
	}
	r.state = RequestDeleted
	r.mu.Unlock()
	r.sub.Finish()
	return err
}

// clear 已启用的请求转到next状态并从目标端清除
func (r *EventRequest) clear(ctx context.Context, next RequestState) error {
	r.mu.Lock()
	if r.state != RequestEnabled {
		r.mu.Unlock()
		return nil
	}
	id := r.id
	r.state = next
	r.id = 0
	r.mu.Unlock()

	r.manager.unregister(id)
	r.manager.demux.Unbind(r.sub)
	if next == RequestDeleted {
		r.sub.Finish()
	}
	err := r.manager.cmd.Call(ctx, protocol.ClearRequest{EventKind: r.kind, RequestID: id}, nil)
	r.manager.demux.Forget(id)
	if err != nil && !isGoneError(err) {
		return err
	}
	r.manager.log.Debugf("[EventRequestManager] clear %s request %d", r.kind, id)
	return nil
}

// autoClear 命中后标记为自动清除，返回false表示请求已经不在启用状态
func (r *EventRequest) autoClear(id protocol.EventRequestID) bool {
	r.mu.Lock()
	if r.state != RequestEnabled || r.id != id {
		r.mu.Unlock()
		return false
	}
	r.state = RequestAutoCleared
	r.mu.Unlock()
	r.sub.Finish()
	return true
}

func (r *EventRequest) markDeleted() {
	r.mu.Lock()
	if r.state == RequestDeleted {
		r.mu.Unlock()
		return
	}
	id := r.id
	r.state = RequestDeleted
	r.mu.Unlock()
	if id != 0 {
		r.manager.demux.Forget(id)
	}
	r.sub.Finish()
}
