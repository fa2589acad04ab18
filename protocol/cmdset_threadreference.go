package protocol

import "github.com/fansqz/go-jdi/constants"

// ThreadName ThreadReference.Name，回复为StringReply
type ThreadName struct {
	Thread ThreadID
}

func (ThreadName) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRName
}
func (t ThreadName) Encode(w *Writer) { w.ThreadID(t.Thread) }

// ThreadSuspend ThreadReference.Suspend
type ThreadSuspend struct {
	Thread ThreadID
}

func (ThreadSuspend) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRSuspend
}
func (t ThreadSuspend) Encode(w *Writer) { w.ThreadID(t.Thread) }

// ThreadResume ThreadReference.Resume
type ThreadResume struct {
	Thread ThreadID
}

func (ThreadResume) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRResume
}
func (t ThreadResume) Encode(w *Writer) { w.ThreadID(t.Thread) }

// ThreadStatus ThreadReference.Status
type ThreadStatus struct {
	Thread ThreadID
}

func (ThreadStatus) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRStatus
}
func (t ThreadStatus) Encode(w *Writer) { w.ThreadID(t.Thread) }

type ThreadStatusReply struct {
	Status        constants.ThreadStatus
	SuspendStatus int32
}

func (t *ThreadStatusReply) Decode(r *Reader) {
	t.Status = constants.ThreadStatus(r.Int())
	t.SuspendStatus = r.Int()
}

// Frames ThreadReference.Frames，Length为-1表示取到栈底
type Frames struct {
	Thread ThreadID
	Start  int32
	Length int32
}

func (Frames) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRFrames
}

func (f Frames) Encode(w *Writer) {
	w.ThreadID(f.Thread)
	w.Int(f.Start)
	w.Int(f.Length)
}

type FrameInfo struct {
	Frame    FrameID
	Location Location
}

type FramesReply struct {
	Frames []FrameInfo
}

func (f *FramesReply) Decode(r *Reader) {
	n := r.Count()
	f.Frames = make([]FrameInfo, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		f.Frames = append(f.Frames, FrameInfo{
			Frame:    r.FrameID(),
			Location: r.Location(),
		})
	}
}

// FrameCount ThreadReference.FrameCount，回复为IntReply
type FrameCount struct {
	Thread ThreadID
}

func (FrameCount) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRFrameCount
}
func (f FrameCount) Encode(w *Writer) { w.ThreadID(f.Thread) }

// SuspendCount ThreadReference.SuspendCount，回复为IntReply
type SuspendCount struct {
	Thread ThreadID
}

func (SuspendCount) Code() (constants.CommandSet, uint8) {
	return constants.ThreadRefSet, constants.TRSuspendCount
}
func (s SuspendCount) Encode(w *Writer) { w.ThreadID(s.Thread) }

// SlotRequest 读取局部变量时的槽位和类型
type SlotRequest struct {
	Slot int32
	Tag  constants.Tag
}

// GetValues StackFrame.GetValues
type GetValues struct {
	Thread ThreadID
	Frame  FrameID
	Slots  []SlotRequest
}

func (GetValues) Code() (constants.CommandSet, uint8) {
	return constants.StackFrameSet, constants.SFGetValues
}

func (g GetValues) Encode(w *Writer) {
	w.ThreadID(g.Thread)
	w.FrameID(g.Frame)
	w.Int(int32(len(g.Slots)))
	for _, s := range g.Slots {
		w.Int(s.Slot)
		w.Byte(byte(s.Tag))
	}
}

type GetValuesReply struct {
	Values []Value
}

func (g *GetValuesReply) Decode(r *Reader) {
	n := r.Count()
	g.Values = make([]Value, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		g.Values = append(g.Values, r.Value())
	}
}

// ThisObject StackFrame.ThisObject
type ThisObject struct {
	Thread ThreadID
	Frame  FrameID
}

func (ThisObject) Code() (constants.CommandSet, uint8) {
	return constants.StackFrameSet, constants.SFThisObject
}

func (t ThisObject) Encode(w *Writer) {
	w.ThreadID(t.Thread)
	w.FrameID(t.Frame)
}

type ThisObjectReply struct {
	Object TaggedObjectID
}

func (t *ThisObjectReply) Decode(r *Reader) {
	t.Object = r.TaggedObjectID()
}
