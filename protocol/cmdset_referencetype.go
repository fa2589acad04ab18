package protocol

import "github.com/fansqz/go-jdi/constants"

// Signature ReferenceType.Signature，回复为StringReply
type Signature struct {
	Type ReferenceTypeID
}

func (Signature) Code() (constants.CommandSet, uint8) {
	return constants.ReferenceTypeSet, constants.RTSignature
}
func (s Signature) Encode(w *Writer) { w.ReferenceTypeID(s.Type) }

// Fields ReferenceType.Fields
type Fields struct {
	Type ReferenceTypeID
}

func (Fields) Code() (constants.CommandSet, uint8) {
	return constants.ReferenceTypeSet, constants.RTFields
}
func (f Fields) Encode(w *Writer) { w.ReferenceTypeID(f.Type) }

type FieldInfo struct {
	FieldID   FieldID
	Name      string
	Signature string
	ModBits   int32
}

type FieldsReply struct {
	Fields []FieldInfo
}

func (f *FieldsReply) Decode(r *Reader) {
	n := r.Count()
	f.Fields = make([]FieldInfo, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		f.Fields = append(f.Fields, FieldInfo{
			FieldID:   r.FieldID(),
			Name:      r.String(),
			Signature: r.String(),
			ModBits:   r.Int(),
		})
	}
}

// Methods ReferenceType.Methods
type Methods struct {
	Type ReferenceTypeID
}

func (Methods) Code() (constants.CommandSet, uint8) {
	return constants.ReferenceTypeSet, constants.RTMethods
}
func (m Methods) Encode(w *Writer) { w.ReferenceTypeID(m.Type) }

type MethodInfo struct {
	MethodID  MethodID
	Name      string
	Signature string
	ModBits   int32
}

// ModNative 方法修饰符中的native标志
const ModNative int32 = 0x0100

func (m MethodInfo) IsNative() bool {
	return m.ModBits&ModNative != 0
}

type MethodsReply struct {
	Methods []MethodInfo
}

func (m *MethodsReply) Decode(r *Reader) {
	n := r.Count()
	m.Methods = make([]MethodInfo, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		m.Methods = append(m.Methods, MethodInfo{
			MethodID:  r.MethodID(),
			Name:      r.String(),
			Signature: r.String(),
			ModBits:   r.Int(),
		})
	}
}

// LineTable Method.LineTable
type LineTable struct {
	Type   ReferenceTypeID
	Method MethodID
}

func (LineTable) Code() (constants.CommandSet, uint8) {
	return constants.MethodSet, constants.MLineTable
}

func (l LineTable) Encode(w *Writer) {
	w.ReferenceTypeID(l.Type)
	w.MethodID(l.Method)
}

type LineEntry struct {
	CodeIndex uint64
	Line      int32
}

type LineTableReply struct {
	Start uint64
	End   uint64
	Lines []LineEntry
}

func (l *LineTableReply) Decode(r *Reader) {
	l.Start = uint64(r.Long())
	l.End = uint64(r.Long())
	n := r.Count()
	l.Lines = make([]LineEntry, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		l.Lines = append(l.Lines, LineEntry{
			CodeIndex: uint64(r.Long()),
			Line:      r.Int(),
		})
	}
}

// VariableTable Method.VariableTable
type VariableTable struct {
	Type   ReferenceTypeID
	Method MethodID
}

func (VariableTable) Code() (constants.CommandSet, uint8) {
	return constants.MethodSet, constants.MVariableTable
}

func (v VariableTable) Encode(w *Writer) {
	w.ReferenceTypeID(v.Type)
	w.MethodID(v.Method)
}

// VariableSlot 局部变量在某段字节码范围内有效
type VariableSlot struct {
	CodeIndex uint64
	Name      string
	Signature string
	Length    int32
	Slot      int32
}

// VisibleAt 判断变量在index处是否可见
func (v VariableSlot) VisibleAt(index uint64) bool {
	return index >= v.CodeIndex && index < v.CodeIndex+uint64(v.Length)
}

type VariableTableReply struct {
	ArgCount int32
	Slots    []VariableSlot
}

func (v *VariableTableReply) Decode(r *Reader) {
	v.ArgCount = r.Int()
	n := r.Count()
	v.Slots = make([]VariableSlot, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		v.Slots = append(v.Slots, VariableSlot{
			CodeIndex: uint64(r.Long()),
			Name:      r.String(),
			Signature: r.String(),
			Length:    r.Int(),
			Slot:      r.Int(),
		})
	}
}
