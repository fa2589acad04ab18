package jdwptest

import (
	"github.com/fansqz/go-jdi/constants"
	"github.com/fansqz/go-jdi/protocol"
)

// Method 假虚拟机中的方法
type Method struct {
	ID        protocol.MethodID
	Name      string
	Signature string
	ModBits   int32
	Start     uint64
	End       uint64
	Lines     []protocol.LineEntry
	ArgCount  int32
	Variables []protocol.VariableSlot
}

// Class 假虚拟机中已加载的类
type Class struct {
	ID        protocol.ReferenceTypeID
	Tag       constants.TypeTag
	Signature string
	Fields    []protocol.FieldInfo
	Methods   []Method
}

// Frame 线程的一个栈帧，Values按槽位保存局部变量
type Frame struct {
	ID       protocol.FrameID
	Location protocol.Location
	Values   map[int32]protocol.Value
	This     protocol.TaggedObjectID
}

// Thread 假虚拟机中的线程
type Thread struct {
	ID      protocol.ThreadID
	Name    string
	Frames  []Frame
	suspend int32
}

// Object 假虚拟机中的对象
type Object struct {
	ID     protocol.ObjectID
	Class  protocol.ReferenceTypeID
	String string
}

// SetRecord 收到的一次EventRequest.Set
type SetRecord struct {
	ID           protocol.EventRequestID
	Kind         constants.EventKind
	Policy       constants.SuspendPolicy
	Location     *protocol.Location
	ClassPattern string
	Thread       protocol.ThreadID
	Count        int32
}

// AddClass 注册一个已加载的类
func (f *FakeVM) AddClass(c Class) {
	f.mu.Lock()
	f.classes[c.ID] = &c
	f.mu.Unlock()
}

// AddThread 注册一个线程
func (f *FakeVM) AddThread(t Thread) {
	f.mu.Lock()
	f.threads[t.ID] = &t
	f.mu.Unlock()
}

// SetFrames 替换线程的调用栈
func (f *FakeVM) SetFrames(thread protocol.ThreadID, frames []Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.threads[thread]; ok {
		t.Frames = frames
	}
}

// AddObject 注册一个对象
func (f *FakeVM) AddObject(o Object) {
	f.mu.Lock()
	f.objects[o.ID] = &o
	f.mu.Unlock()
}

// RemoveObject 模拟对象被回收
func (f *FakeVM) RemoveObject(id protocol.ObjectID) {
	f.mu.Lock()
	delete(f.objects, id)
	f.mu.Unlock()
}

// SuspendCount 线程在目标端的挂起计数
func (f *FakeVM) SuspendCount(thread protocol.ThreadID) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.vmSuspend
	if t, ok := f.threads[thread]; ok {
		n += t.suspend
	}
	return n
}

// SetRequests 所有收到的事件请求
func (f *FakeVM) SetRequests() []SetRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SetRecord(nil), f.sets...)
}

// Cleared 被清除的事件请求id
func (f *FakeVM) Cleared() []protocol.EventRequestID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.EventRequestID(nil), f.cleared...)
}

func (f *FakeVM) applyPolicy(policy constants.SuspendPolicy, events []protocol.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch policy {
	case constants.SuspendAll:
		f.vmSuspend++
	case constants.SuspendEventThread:
		for _, ev := range events {
			id, ok := protocol.ThreadOf(ev)
			if !ok {
				continue
			}
			if t, ok := f.threads[id]; ok {
				t.suspend++
			}
		}
	}
}

func (f *FakeVM) installModel() {
	f.Handle(constants.VirtualMachineSet, constants.VMClassesBySignature, f.classesBySignature)
	f.Handle(constants.VirtualMachineSet, constants.VMAllClasses, f.allClasses)
	f.Handle(constants.VirtualMachineSet, constants.VMAllThreads, f.allThreads)
	f.Handle(constants.VirtualMachineSet, constants.VMSuspend, f.suspendVM(1))
	f.Handle(constants.VirtualMachineSet, constants.VMResume, f.suspendVM(-1))
	f.Handle(constants.ReferenceTypeSet, constants.RTSignature, f.signature)
	f.Handle(constants.ReferenceTypeSet, constants.RTFields, f.fields)
	f.Handle(constants.ReferenceTypeSet, constants.RTMethods, f.methods)
	f.Handle(constants.MethodSet, constants.MLineTable, f.lineTable)
	f.Handle(constants.MethodSet, constants.MVariableTable, f.variableTable)
	f.Handle(constants.ObjectRefSet, constants.ORReferenceType, f.objectType)
	f.Handle(constants.ObjectRefSet, constants.ORDisableCollection, f.objectExists)
	f.Handle(constants.ObjectRefSet, constants.OREnableCollection, f.objectExists)
	f.Handle(constants.ObjectRefSet, constants.ORIsCollected, f.isCollected)
	f.Handle(constants.StringRefSet, constants.SRValue, f.stringValue)
	f.Handle(constants.ThreadRefSet, constants.TRName, f.threadName)
	f.Handle(constants.ThreadRefSet, constants.TRSuspend, f.suspendThread(1))
	f.Handle(constants.ThreadRefSet, constants.TRResume, f.suspendThread(-1))
	f.Handle(constants.ThreadRefSet, constants.TRStatus, f.threadStatus)
	f.Handle(constants.ThreadRefSet, constants.TRFrames, f.frames)
	f.Handle(constants.ThreadRefSet, constants.TRFrameCount, f.frameCount)
	f.Handle(constants.ThreadRefSet, constants.TRSuspendCount, f.threadSuspendCount)
	f.Handle(constants.StackFrameSet, constants.SFGetValues, f.getValues)
	f.Handle(constants.StackFrameSet, constants.SFThisObject, f.thisObject)
	f.Handle(constants.EventRequestSet, constants.ERSet, f.setRequest)
	f.Handle(constants.EventRequestSet, constants.ERClear, f.clearRequest)
	f.Handle(constants.EventRequestSet, constants.ERClearAllBreakpoints, func(*Call, *protocol.Writer) constants.ErrorCode {
		return 0
	})
}

func (f *FakeVM) classesBySignature(call *Call, w *protocol.Writer) constants.ErrorCode {
	signature := call.Reader.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []*Class
	for _, c := range f.classes {
		if c.Signature == signature {
			found = append(found, c)
		}
	}
	w.Int(int32(len(found)))
	for _, c := range found {
		w.Byte(byte(c.Tag))
		w.ReferenceTypeID(c.ID)
		w.Int(7)
	}
	return 0
}

func (f *FakeVM) allClasses(_ *Call, w *protocol.Writer) constants.ErrorCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Int(int32(len(f.classes)))
	for _, c := range f.classes {
		w.Byte(byte(c.Tag))
		w.ReferenceTypeID(c.ID)
		w.String(c.Signature)
		w.Int(7)
	}
	return 0
}

func (f *FakeVM) allThreads(_ *Call, w *protocol.Writer) constants.ErrorCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Int(int32(len(f.threads)))
	for id := range f.threads {
		w.ThreadID(id)
	}
	return 0
}

func (f *FakeVM) suspendVM(delta int32) HandlerFunc {
	return func(*Call, *protocol.Writer) constants.ErrorCode {
		f.mu.Lock()
		defer f.mu.Unlock()
		if delta < 0 && f.vmSuspend == 0 {
			for _, t := range f.threads {
				if t.suspend > 0 {
					t.suspend--
				}
			}
			return 0
		}
		f.vmSuspend += delta
		return 0
	}
}

func (f *FakeVM) class(id protocol.ReferenceTypeID) (*Class, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.classes[id]
	return c, ok
}

func (f *FakeVM) method(call *Call) (*Method, constants.ErrorCode) {
	c, ok := f.class(call.Reader.ReferenceTypeID())
	if !ok {
		return nil, constants.ErrInvalidClass
	}
	id := call.Reader.MethodID()
	for i := range c.Methods {
		if c.Methods[i].ID == id {
			return &c.Methods[i], 0
		}
	}
	return nil, constants.ErrInvalidMethodID
}

func (f *FakeVM) signature(call *Call, w *protocol.Writer) constants.ErrorCode {
	c, ok := f.class(call.Reader.ReferenceTypeID())
	if !ok {
		return constants.ErrInvalidClass
	}
	w.String(c.Signature)
	return 0
}

func (f *FakeVM) fields(call *Call, w *protocol.Writer) constants.ErrorCode {
	c, ok := f.class(call.Reader.ReferenceTypeID())
	if !ok {
		return constants.ErrInvalidClass
	}
	w.Int(int32(len(c.Fields)))
	for _, field := range c.Fields {
		w.FieldID(field.FieldID)
		w.String(field.Name)
		w.String(field.Signature)
		w.Int(field.ModBits)
	}
	return 0
}

func (f *FakeVM) methods(call *Call, w *protocol.Writer) constants.ErrorCode {
	c, ok := f.class(call.Reader.ReferenceTypeID())
	if !ok {
		return constants.ErrInvalidClass
	}
	w.Int(int32(len(c.Methods)))
	for _, m := range c.Methods {
		w.MethodID(m.ID)
		w.String(m.Name)
		w.String(m.Signature)
		w.Int(m.ModBits)
	}
	return 0
}

func (f *FakeVM) lineTable(call *Call, w *protocol.Writer) constants.ErrorCode {
	m, code := f.method(call)
	if code != 0 {
		return code
	}
	if m.ModBits&protocol.ModNative != 0 {
		return constants.ErrNativeMethod
	}
	if m.Lines == nil {
		return constants.ErrAbsentInformation
	}
	w.Long(int64(m.Start))
	w.Long(int64(m.End))
	w.Int(int32(len(m.Lines)))
	for _, l := range m.Lines {
		w.Long(int64(l.CodeIndex))
		w.Int(l.Line)
	}
	return 0
}

func (f *FakeVM) variableTable(call *Call, w *protocol.Writer) constants.ErrorCode {
	m, code := f.method(call)
	if code != 0 {
		return code
	}
	if m.Variables == nil {
		return constants.ErrAbsentInformation
	}
	w.Int(m.ArgCount)
	w.Int(int32(len(m.Variables)))
	for _, v := range m.Variables {
		w.Long(int64(v.CodeIndex))
		w.String(v.Name)
		w.String(v.Signature)
		w.Int(v.Length)
		w.Int(v.Slot)
	}
	return 0
}

func (f *FakeVM) object(call *Call) (*Object, bool) {
	id := call.Reader.ObjectID()
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[id]
	return o, ok
}

func (f *FakeVM) objectType(call *Call, w *protocol.Writer) constants.ErrorCode {
	o, ok := f.object(call)
	if !ok {
		return constants.ErrInvalidObject
	}
	c, ok := f.class(o.Class)
	if !ok {
		return constants.ErrInvalidClass
	}
	w.Byte(byte(c.Tag))
	w.ReferenceTypeID(c.ID)
	return 0
}

func (f *FakeVM) objectExists(call *Call, _ *protocol.Writer) constants.ErrorCode {
	if _, ok := f.object(call); !ok {
		return constants.ErrInvalidObject
	}
	return 0
}

func (f *FakeVM) isCollected(call *Call, w *protocol.Writer) constants.ErrorCode {
	_, ok := f.object(call)
	w.Bool(!ok)
	return 0
}

func (f *FakeVM) stringValue(call *Call, w *protocol.Writer) constants.ErrorCode {
	o, ok := f.object(call)
	if !ok {
		return constants.ErrInvalidObject
	}
	w.String(o.String)
	return 0
}

func (f *FakeVM) thread(call *Call) (*Thread, bool) {
	id := call.Reader.ThreadID()
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	return t, ok
}

func (f *FakeVM) threadName(call *Call, w *protocol.Writer) constants.ErrorCode {
	t, ok := f.thread(call)
	if !ok {
		return constants.ErrInvalidThread
	}
	w.String(t.Name)
	return 0
}

func (f *FakeVM) suspendThread(delta int32) HandlerFunc {
	return func(call *Call, _ *protocol.Writer) constants.ErrorCode {
		t, ok := f.thread(call)
		if !ok {
			return constants.ErrInvalidThread
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case delta > 0:
			t.suspend++
		case t.suspend > 0:
			t.suspend--
		case f.vmSuspend > 0:
			f.vmSuspend--
		}
		return 0
	}
}

func (f *FakeVM) suspended(t *Thread) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return t.suspend+f.vmSuspend > 0
}

func (f *FakeVM) threadStatus(call *Call, w *protocol.Writer) constants.ErrorCode {
	t, ok := f.thread(call)
	if !ok {
		return constants.ErrInvalidThread
	}
	w.Int(int32(constants.ThreadRunning))
	if f.suspended(t) {
		w.Int(constants.SuspendStatusSuspended)
	} else {
		w.Int(0)
	}
	return 0
}

func (f *FakeVM) frames(call *Call, w *protocol.Writer) constants.ErrorCode {
	t, ok := f.thread(call)
	if !ok {
		return constants.ErrInvalidThread
	}
	if !f.suspended(t) {
		return constants.ErrThreadNotSuspended
	}
	start := int(call.Reader.Int())
	length := int(call.Reader.Int())
	f.mu.Lock()
	frames := t.Frames
	f.mu.Unlock()
	if start > len(frames) {
		return constants.ErrInvalidIndex
	}
	frames = frames[start:]
	if length >= 0 && length < len(frames) {
		frames = frames[:length]
	}
	w.Int(int32(len(frames)))
	for _, fr := range frames {
		w.FrameID(fr.ID)
		w.Location(fr.Location)
	}
	return 0
}

func (f *FakeVM) frameCount(call *Call, w *protocol.Writer) constants.ErrorCode {
	t, ok := f.thread(call)
	if !ok {
		return constants.ErrInvalidThread
	}
	if !f.suspended(t) {
		return constants.ErrThreadNotSuspended
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Int(int32(len(t.Frames)))
	return 0
}

func (f *FakeVM) threadSuspendCount(call *Call, w *protocol.Writer) constants.ErrorCode {
	t, ok := f.thread(call)
	if !ok {
		return constants.ErrInvalidThread
	}
	w.Int(f.SuspendCount(t.ID))
	return 0
}

func (f *FakeVM) frame(call *Call) (*Frame, constants.ErrorCode) {
	t, ok := f.thread(call)
	if !ok {
		return nil, constants.ErrInvalidThread
	}
	if !f.suspended(t) {
		return nil, constants.ErrThreadNotSuspended
	}
	id := call.Reader.FrameID()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range t.Frames {
		if t.Frames[i].ID == id {
			return &t.Frames[i], 0
		}
	}
	return nil, constants.ErrInvalidFrameID
}

func (f *FakeVM) getValues(call *Call, w *protocol.Writer) constants.ErrorCode {
	fr, code := f.frame(call)
	if code != 0 {
		return code
	}
	n := call.Reader.Count()
	values := make([]protocol.Value, 0, n)
	for i := 0; i < n; i++ {
		slot := call.Reader.Int()
		tag := constants.Tag(call.Reader.Byte())
		v, ok := fr.Values[slot]
		if !ok {
			return constants.ErrInvalidSlot
		}
		if v.Tag != tag && !(v.IsObject() && tag.IsObject()) {
			return constants.ErrTypeMismatch
		}
		values = append(values, v)
	}
	w.Int(int32(len(values)))
	for _, v := range values {
		w.Value(v)
	}
	return 0
}

func (f *FakeVM) thisObject(call *Call, w *protocol.Writer) constants.ErrorCode {
	fr, code := f.frame(call)
	if code != 0 {
		return code
	}
	w.Byte(byte(fr.This.Tag))
	w.ObjectID(fr.This.Object)
	return 0
}

func (f *FakeVM) setRequest(call *Call, w *protocol.Writer) constants.ErrorCode {
	r := call.Reader
	record := SetRecord{
		Kind:   constants.EventKind(r.Byte()),
		Policy: constants.SuspendPolicy(r.Byte()),
	}
	n := r.Count()
	for i := 0; i < n && r.Err() == nil; i++ {
		switch constants.ModifierKind(r.Byte()) {
		case constants.ModCount:
			record.Count = r.Int()
		case constants.ModConditional:
			r.Int()
		case constants.ModThreadOnly:
			record.Thread = r.ThreadID()
		case constants.ModClassOnly:
			r.ReferenceTypeID()
		case constants.ModClassMatch:
			record.ClassPattern = r.String()
		case constants.ModClassExclude, constants.ModSourceNameMatch:
			_ = r.String()
		case constants.ModLocationOnly:
			loc := r.Location()
			record.Location = &loc
		case constants.ModExceptionOnly:
			r.ReferenceTypeID()
			r.Bool()
			r.Bool()
		case constants.ModFieldOnly:
			r.ReferenceTypeID()
			r.FieldID()
		case constants.ModStep:
			record.Thread = r.ThreadID()
			r.Int()
			r.Int()
		case constants.ModInstanceOnly:
			r.ObjectID()
		default:
			return constants.ErrIllegalArgument
		}
	}
	if r.Err() != nil {
		return constants.ErrIllegalArgument
	}
	f.mu.Lock()
	f.nextRequest++
	record.ID = f.nextRequest
	f.sets = append(f.sets, record)
	f.mu.Unlock()
	w.Int(int32(record.ID))
	return 0
}

func (f *FakeVM) clearRequest(call *Call, _ *protocol.Writer) constants.ErrorCode {
	call.Reader.Byte()
	id := protocol.EventRequestID(call.Reader.Int())
	f.mu.Lock()
	f.cleared = append(f.cleared, id)
	f.mu.Unlock()
	return 0
}
