package protocol

import "github.com/fansqz/go-jdi/constants"

// Modifier 事件请求的过滤条件
type Modifier interface {
	Kind() constants.ModifierKind
	encode(w *Writer)
}

// CountModifier 事件触发Count次后请求失效
type CountModifier struct {
	Count int32
}

func (CountModifier) Kind() constants.ModifierKind { return constants.ModCount }
func (m CountModifier) encode(w *Writer)          { w.Int(m.Count) }

// ConditionalModifier 保留的条件表达式过滤
type ConditionalModifier struct {
	ExprID int32
}

func (ConditionalModifier) Kind() constants.ModifierKind { return constants.ModConditional }
func (m ConditionalModifier) encode(w *Writer)          { w.Int(m.ExprID) }

// ThreadOnlyModifier 只报告指定线程的事件
type ThreadOnlyModifier struct {
	Thread ThreadID
}

func (ThreadOnlyModifier) Kind() constants.ModifierKind { return constants.ModThreadOnly }
func (m ThreadOnlyModifier) encode(w *Writer)          { w.ThreadID(m.Thread) }

// ClassOnlyModifier 只报告指定类型及其子类型的事件
type ClassOnlyModifier struct {
	Class ReferenceTypeID
}

func (ClassOnlyModifier) Kind() constants.ModifierKind { return constants.ModClassOnly }
func (m ClassOnlyModifier) encode(w *Writer)          { w.ReferenceTypeID(m.Class) }

// ClassMatchModifier 类名匹配，支持首尾的*通配
type ClassMatchModifier struct {
	Pattern string
}

func (ClassMatchModifier) Kind() constants.ModifierKind { return constants.ModClassMatch }
func (m ClassMatchModifier) encode(w *Writer)          { w.String(m.Pattern) }

// ClassExcludeModifier 排除匹配的类名
type ClassExcludeModifier struct {
	Pattern string
}

func (ClassExcludeModifier) Kind() constants.ModifierKind { return constants.ModClassExclude }
func (m ClassExcludeModifier) encode(w *Writer)          { w.String(m.Pattern) }

// LocationOnlyModifier 只报告指定位置的事件，断点必须带有该过滤
type LocationOnlyModifier struct {
	Location Location
}

func (LocationOnlyModifier) Kind() constants.ModifierKind { return constants.ModLocationOnly }
func (m LocationOnlyModifier) encode(w *Writer)          { w.Location(m.Location) }

// ExceptionOnlyModifier 异常事件过滤，Exception为0表示所有异常
type ExceptionOnlyModifier struct {
	Exception ReferenceTypeID
	Caught    bool
	Uncaught  bool
}

func (ExceptionOnlyModifier) Kind() constants.ModifierKind { return constants.ModExceptionOnly }

func (m ExceptionOnlyModifier) encode(w *Writer) {
	w.ReferenceTypeID(m.Exception)
	w.Bool(m.Caught)
	w.Bool(m.Uncaught)
}

// FieldOnlyModifier 字段监视点过滤
type FieldOnlyModifier struct {
	Declaring ReferenceTypeID
	Field     FieldID
}

func (FieldOnlyModifier) Kind() constants.ModifierKind { return constants.ModFieldOnly }

func (m FieldOnlyModifier) encode(w *Writer) {
	w.ReferenceTypeID(m.Declaring)
	w.FieldID(m.Field)
}

// StepModifier 单步请求的线程、粒度和深度
type StepModifier struct {
	Thread ThreadID
	Size   constants.StepSize
	Depth  constants.StepDepth
}

func (StepModifier) Kind() constants.ModifierKind { return constants.ModStep }

func (m StepModifier) encode(w *Writer) {
	w.ThreadID(m.Thread)
	w.Int(int32(m.Size))
	w.Int(int32(m.Depth))
}

// InstanceOnlyModifier 只报告this为指定对象的事件
type InstanceOnlyModifier struct {
	Instance ObjectID
}

func (InstanceOnlyModifier) Kind() constants.ModifierKind { return constants.ModInstanceOnly }
func (m InstanceOnlyModifier) encode(w *Writer)          { w.ObjectID(m.Instance) }

// SourceNameMatchModifier 源文件名匹配
type SourceNameMatchModifier struct {
	Pattern string
}

func (SourceNameMatchModifier) Kind() constants.ModifierKind { return constants.ModSourceNameMatch }
func (m SourceNameMatchModifier) encode(w *Writer)          { w.String(m.Pattern) }

// SetRequest EventRequest.Set
type SetRequest struct {
	EventKind     constants.EventKind
	SuspendPolicy constants.SuspendPolicy
	Modifiers     []Modifier
}

func (SetRequest) Code() (constants.CommandSet, uint8) {
	return constants.EventRequestSet, constants.ERSet
}

func (s SetRequest) Encode(w *Writer) {
	w.Byte(byte(s.EventKind))
	w.Byte(byte(s.SuspendPolicy))
	w.Int(int32(len(s.Modifiers)))
	for _, m := range s.Modifiers {
		w.Byte(byte(m.Kind()))
		m.encode(w)
	}
}

type SetRequestReply struct {
	RequestID EventRequestID
}

func (s *SetRequestReply) Decode(r *Reader) {
	s.RequestID = EventRequestID(r.Int())
}

// ClearRequest EventRequest.Clear
type ClearRequest struct {
	EventKind constants.EventKind
	RequestID EventRequestID
}

func (ClearRequest) Code() (constants.CommandSet, uint8) {
	return constants.EventRequestSet, constants.ERClear
}

func (c ClearRequest) Encode(w *Writer) {
	w.Byte(byte(c.EventKind))
	w.Int(int32(c.RequestID))
}

// ClearAllBreakpoints EventRequest.ClearAllBreakpoints
type ClearAllBreakpoints struct{}

func (ClearAllBreakpoints) Code() (constants.CommandSet, uint8) {
	return constants.EventRequestSet, constants.ERClearAllBreakpoints
}
func (ClearAllBreakpoints) Encode(*Writer) {}
