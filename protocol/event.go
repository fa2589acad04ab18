package protocol

import (
	"github.com/fansqz/go-jdi/constants"
)

// Event 目标虚拟机上报的事件
// 每一种事件类型对应一个结构体，集合是封闭的
type Event interface {
	Kind() constants.EventKind
	// RequestID 触发该事件的请求id，自动生成的事件(如VMStart)为0
	RequestID() EventRequestID
	header() *EventHeader
	encode(w *Writer)
	decode(r *Reader)
}

// EventHeader 所有事件共有的请求id
type EventHeader struct {
	Request EventRequestID
}

func (h *EventHeader) RequestID() EventRequestID { return h.Request }
func (h *EventHeader) header() *EventHeader      { return h }

// ThreadLocated 线程和位置，单步、断点、方法进出事件共用
type ThreadLocated struct {
	Thread   ThreadID
	Location Location
}

func (t *ThreadLocated) encode(w *Writer) {
	w.ThreadID(t.Thread)
	w.Location(t.Location)
}

func (t *ThreadLocated) decode(r *Reader) {
	t.Thread = r.ThreadID()
	t.Location = r.Location()
}

type SingleStepEvent struct {
	EventHeader
	ThreadLocated
}

func (*SingleStepEvent) Kind() constants.EventKind { return constants.EventSingleStep }

type BreakpointEvent struct {
	EventHeader
	ThreadLocated
}

func (*BreakpointEvent) Kind() constants.EventKind { return constants.EventBreakpoint }

type MethodEntryEvent struct {
	EventHeader
	ThreadLocated
}

func (*MethodEntryEvent) Kind() constants.EventKind { return constants.EventMethodEntry }

type MethodExitEvent struct {
	EventHeader
	ThreadLocated
}

func (*MethodExitEvent) Kind() constants.EventKind { return constants.EventMethodExit }

type MethodExitWithReturnValueEvent struct {
	EventHeader
	ThreadLocated
	Value Value
}

func (*MethodExitWithReturnValueEvent) Kind() constants.EventKind {
	return constants.EventMethodExitWithReturnValue
}

func (m *MethodExitWithReturnValueEvent) encode(w *Writer) {
	m.ThreadLocated.encode(w)
	w.Value(m.Value)
}

func (m *MethodExitWithReturnValueEvent) decode(r *Reader) {
	m.ThreadLocated.decode(r)
	m.Value = r.Value()
}

// ExceptionEvent CatchLocation的Class为0表示未被捕获
type ExceptionEvent struct {
	EventHeader
	ThreadLocated
	Exception     TaggedObjectID
	CatchLocation Location
}

func (*ExceptionEvent) Kind() constants.EventKind { return constants.EventException }

func (x *ExceptionEvent) encode(w *Writer) {
	x.ThreadLocated.encode(w)
	w.Byte(byte(x.Exception.Tag))
	w.ObjectID(x.Exception.Object)
	w.Location(x.CatchLocation)
}

func (x *ExceptionEvent) decode(r *Reader) {
	x.ThreadLocated.decode(r)
	x.Exception = r.TaggedObjectID()
	x.CatchLocation = r.Location()
}

type ThreadStartEvent struct {
	EventHeader
	Thread ThreadID
}

func (*ThreadStartEvent) Kind() constants.EventKind { return constants.EventThreadStart }
func (t *ThreadStartEvent) encode(w *Writer)        { w.ThreadID(t.Thread) }
func (t *ThreadStartEvent) decode(r *Reader)        { t.Thread = r.ThreadID() }

type ThreadDeathEvent struct {
	EventHeader
	Thread ThreadID
}

func (*ThreadDeathEvent) Kind() constants.EventKind { return constants.EventThreadDeath }
func (t *ThreadDeathEvent) encode(w *Writer)        { w.ThreadID(t.Thread) }
func (t *ThreadDeathEvent) decode(r *Reader)        { t.Thread = r.ThreadID() }

type ClassPrepareEvent struct {
	EventHeader
	Thread    ThreadID
	TypeTag   constants.TypeTag
	TypeID    ReferenceTypeID
	Signature string
	Status    int32
}

func (*ClassPrepareEvent) Kind() constants.EventKind { return constants.EventClassPrepare }

func (c *ClassPrepareEvent) encode(w *Writer) {
	w.ThreadID(c.Thread)
	w.Byte(byte(c.TypeTag))
	w.ReferenceTypeID(c.TypeID)
	w.String(c.Signature)
	w.Int(c.Status)
}

func (c *ClassPrepareEvent) decode(r *Reader) {
	c.Thread = r.ThreadID()
	c.TypeTag = r.TypeTag()
	c.TypeID = r.ReferenceTypeID()
	c.Signature = r.String()
	c.Status = r.Int()
}

type ClassUnloadEvent struct {
	EventHeader
	Signature string
}

func (*ClassUnloadEvent) Kind() constants.EventKind { return constants.EventClassUnload }
func (c *ClassUnloadEvent) encode(w *Writer)        { w.String(c.Signature) }
func (c *ClassUnloadEvent) decode(r *Reader)        { c.Signature = r.String() }

// FieldAccessEvent Object为静态字段时为null
type FieldAccessEvent struct {
	EventHeader
	ThreadLocated
	TypeTag constants.TypeTag
	TypeID  ReferenceTypeID
	Field   FieldID
	Object  TaggedObjectID
}

func (*FieldAccessEvent) Kind() constants.EventKind { return constants.EventFieldAccess }

func (f *FieldAccessEvent) encode(w *Writer) {
	f.ThreadLocated.encode(w)
	w.Byte(byte(f.TypeTag))
	w.ReferenceTypeID(f.TypeID)
	w.FieldID(f.Field)
	w.Byte(byte(f.Object.Tag))
	w.ObjectID(f.Object.Object)
}

func (f *FieldAccessEvent) decode(r *Reader) {
	f.ThreadLocated.decode(r)
	f.TypeTag = r.TypeTag()
	f.TypeID = r.ReferenceTypeID()
	f.Field = r.FieldID()
	f.Object = r.TaggedObjectID()
}

type FieldModificationEvent struct {
	FieldAccessEvent
	ValueToBe Value
}

func (*FieldModificationEvent) Kind() constants.EventKind { return constants.EventFieldModification }

func (f *FieldModificationEvent) encode(w *Writer) {
	f.FieldAccessEvent.encode(w)
	w.Value(f.ValueToBe)
}

func (f *FieldModificationEvent) decode(r *Reader) {
	f.FieldAccessEvent.decode(r)
	f.ValueToBe = r.Value()
}

// MonitorEvent 监视器相关事件的公共字段
type MonitorEvent struct {
	Thread   ThreadID
	Object   TaggedObjectID
	Location Location
}

func (m *MonitorEvent) encode(w *Writer) {
	w.ThreadID(m.Thread)
	w.Byte(byte(m.Object.Tag))
	w.ObjectID(m.Object.Object)
	w.Location(m.Location)
}

func (m *MonitorEvent) decode(r *Reader) {
	m.Thread = r.ThreadID()
	m.Object = r.TaggedObjectID()
	m.Location = r.Location()
}

type MonitorContendedEnterEvent struct {
	EventHeader
	MonitorEvent
}

func (*MonitorContendedEnterEvent) Kind() constants.EventKind {
	return constants.EventMonitorContendedEnter
}

type MonitorContendedEnteredEvent struct {
	EventHeader
	MonitorEvent
}

func (*MonitorContendedEnteredEvent) Kind() constants.EventKind {
	return constants.EventMonitorContendedEntered
}

type MonitorWaitEvent struct {
	EventHeader
	MonitorEvent
	Timeout int64
}

func (*MonitorWaitEvent) Kind() constants.EventKind { return constants.EventMonitorWait }

func (m *MonitorWaitEvent) encode(w *Writer) {
	m.MonitorEvent.encode(w)
	w.Long(m.Timeout)
}

func (m *MonitorWaitEvent) decode(r *Reader) {
	m.MonitorEvent.decode(r)
	m.Timeout = r.Long()
}

type MonitorWaitedEvent struct {
	EventHeader
	MonitorEvent
	TimedOut bool
}

func (*MonitorWaitedEvent) Kind() constants.EventKind { return constants.EventMonitorWaited }

func (m *MonitorWaitedEvent) encode(w *Writer) {
	m.MonitorEvent.encode(w)
	w.Bool(m.TimedOut)
}

func (m *MonitorWaitedEvent) decode(r *Reader) {
	m.MonitorEvent.decode(r)
	m.TimedOut = r.Bool()
}

type VMStartEvent struct {
	EventHeader
	Thread ThreadID
}

func (*VMStartEvent) Kind() constants.EventKind { return constants.EventVMStart }
func (v *VMStartEvent) encode(w *Writer)        { w.ThreadID(v.Thread) }
func (v *VMStartEvent) decode(r *Reader)        { v.Thread = r.ThreadID() }

type VMDeathEvent struct {
	EventHeader
}

func (*VMDeathEvent) Kind() constants.EventKind { return constants.EventVMDeath }
func (*VMDeathEvent) encode(*Writer)            {}
func (*VMDeathEvent) decode(*Reader)            {}

// VMDisconnectedEvent 连接断开后本地生成，不会在线路上出现
type VMDisconnectedEvent struct {
	EventHeader
	Err error
}

func (*VMDisconnectedEvent) Kind() constants.EventKind { return constants.EventVMDisconnected }
func (*VMDisconnectedEvent) encode(*Writer)            {}
func (*VMDisconnectedEvent) decode(*Reader)            {}

// newEvent 根据事件类型创建空事件
func newEvent(kind constants.EventKind) Event {
	switch kind {
	case constants.EventSingleStep:
		return &SingleStepEvent{}
	case constants.EventBreakpoint:
		return &BreakpointEvent{}
	case constants.EventMethodEntry:
		return &MethodEntryEvent{}
	case constants.EventMethodExit:
		return &MethodExitEvent{}
	case constants.EventMethodExitWithReturnValue:
		return &MethodExitWithReturnValueEvent{}
	case constants.EventException:
		return &ExceptionEvent{}
	case constants.EventThreadStart:
		return &ThreadStartEvent{}
	case constants.EventThreadDeath:
		return &ThreadDeathEvent{}
	case constants.EventClassPrepare:
		return &ClassPrepareEvent{}
	case constants.EventClassUnload:
		return &ClassUnloadEvent{}
	case constants.EventFieldAccess:
		return &FieldAccessEvent{}
	case constants.EventFieldModification:
		return &FieldModificationEvent{}
	case constants.EventMonitorContendedEnter:
		return &MonitorContendedEnterEvent{}
	case constants.EventMonitorContendedEntered:
		return &MonitorContendedEnteredEvent{}
	case constants.EventMonitorWait:
		return &MonitorWaitEvent{}
	case constants.EventMonitorWaited:
		return &MonitorWaitedEvent{}
	case constants.EventVMStart:
		return &VMStartEvent{}
	case constants.EventVMDeath:
		return &VMDeathEvent{}
	}
	return nil
}

// ThreadOf 返回事件发生的线程，没有线程的事件返回false
func ThreadOf(ev Event) (ThreadID, bool) {
	switch ev := ev.(type) {
	case *SingleStepEvent:
		return ev.Thread, true
	case *BreakpointEvent:
		return ev.Thread, true
	case *MethodEntryEvent:
		return ev.Thread, true
	case *MethodExitEvent:
		return ev.Thread, true
	case *MethodExitWithReturnValueEvent:
		return ev.Thread, true
	case *ExceptionEvent:
		return ev.Thread, true
	case *ThreadStartEvent:
		return ev.Thread, true
	case *ThreadDeathEvent:
		return ev.Thread, true
	case *ClassPrepareEvent:
		return ev.Thread, ev.Thread != 0
	case *FieldAccessEvent:
		return ev.Thread, true
	case *FieldModificationEvent:
		return ev.Thread, true
	case *MonitorContendedEnterEvent:
		return ev.Thread, true
	case *MonitorContendedEnteredEvent:
		return ev.Thread, true
	case *MonitorWaitEvent:
		return ev.Thread, true
	case *MonitorWaitedEvent:
		return ev.Thread, true
	case *VMStartEvent:
		return ev.Thread, true
	}
	return 0, false
}

// LocationOf 返回事件发生的位置
func LocationOf(ev Event) (Location, bool) {
	switch ev := ev.(type) {
	case *SingleStepEvent:
		return ev.Location, true
	case *BreakpointEvent:
		return ev.Location, true
	case *MethodEntryEvent:
		return ev.Location, true
	case *MethodExitEvent:
		return ev.Location, true
	case *MethodExitWithReturnValueEvent:
		return ev.Location, true
	case *ExceptionEvent:
		return ev.Location, true
	case *FieldAccessEvent:
		return ev.Location, true
	case *FieldModificationEvent:
		return ev.Location, true
	case *MonitorContendedEnterEvent:
		return ev.Location, true
	case *MonitorContendedEnteredEvent:
		return ev.Location, true
	case *MonitorWaitEvent:
		return ev.Location, true
	case *MonitorWaitedEvent:
		return ev.Location, true
	}
	return Location{}, false
}

// EventSet 一个Composite事件包，里面的事件同时发生
type EventSet struct {
	SuspendPolicy constants.SuspendPolicy
	Events        []Event
}

// DecodeEventSet 解码Event.Composite命令包的数据
func DecodeEventSet(data []byte, sizes IDSizes) (*EventSet, error) {
	r := NewReader(data, sizes)
	set := &EventSet{SuspendPolicy: constants.SuspendPolicy(r.Byte())}
	n := r.Count()
	for i := 0; i < n && r.Err() == nil; i++ {
		kind := constants.EventKind(r.Byte())
		ev := newEvent(kind)
		if ev == nil {
			r.Fail("unknown event kind %d", kind)
			break
		}
		ev.header().Request = EventRequestID(r.Int())
		ev.decode(r)
		set.Events = append(set.Events, ev)
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	return set, nil
}

// EncodeEventSet 编码事件集合，用于构造Event.Composite命令包
func EncodeEventSet(set *EventSet, sizes IDSizes) []byte {
	w := NewWriter(sizes)
	w.Byte(byte(set.SuspendPolicy))
	w.Int(int32(len(set.Events)))
	for _, ev := range set.Events {
		w.Byte(byte(ev.Kind()))
		w.Int(int32(ev.RequestID()))
		ev.encode(w)
	}
	return w.Bytes()
}
