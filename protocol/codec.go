package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
)

// IDSizes 目标虚拟机各类ID的字节数，连接建立后通过VirtualMachine.IDSizes获取
type IDSizes struct {
	FieldIDSize         int32
	MethodIDSize        int32
	ObjectIDSize        int32
	ReferenceTypeIDSize int32
	FrameIDSize         int32
}

// DefaultIDSizes 协商之前使用的默认长度
var DefaultIDSizes = IDSizes{8, 8, 8, 8, 8}

func (s *IDSizes) Decode(r *Reader) {
	s.FieldIDSize = r.Int()
	s.MethodIDSize = r.Int()
	s.ObjectIDSize = r.Int()
	s.ReferenceTypeIDSize = r.Int()
	s.FrameIDSize = r.Int()
}

func (s IDSizes) Encode(w *Writer) {
	w.Int(s.FieldIDSize)
	w.Int(s.MethodIDSize)
	w.Int(s.ObjectIDSize)
	w.Int(s.ReferenceTypeIDSize)
	w.Int(s.FrameIDSize)
}

// Writer 数据包内容的编码器
type Writer struct {
	sizes IDSizes
	buf   []byte
}

func NewWriter(sizes IDSizes) *Writer {
	return &Writer{sizes: sizes}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Byte(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func (w *Writer) Short(v int16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
}

func (w *Writer) Int(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) Long(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) String(v string) {
	w.Int(int32(len(v)))
	w.buf = append(w.buf, v...)
}

// ByteArray 带长度前缀的字节数组
func (w *Writer) ByteArray(v []byte) {
	w.Int(int32(len(v)))
	w.buf = append(w.buf, v...)
}

func (w *Writer) id(v uint64, size int32) {
	for i := size - 1; i >= 0; i-- {
		w.buf = append(w.buf, byte(v>>(8*uint(i))))
	}
}

func (w *Writer) ObjectID(v ObjectID) {
	w.id(uint64(v), w.sizes.ObjectIDSize)
}

func (w *Writer) ThreadID(v ThreadID) {
	w.id(uint64(v), w.sizes.ObjectIDSize)
}

func (w *Writer) ReferenceTypeID(v ReferenceTypeID) {
	w.id(uint64(v), w.sizes.ReferenceTypeIDSize)
}

func (w *Writer) MethodID(v MethodID) {
	w.id(uint64(v), w.sizes.MethodIDSize)
}

func (w *Writer) FieldID(v FieldID) {
	w.id(uint64(v), w.sizes.FieldIDSize)
}

func (w *Writer) FrameID(v FrameID) {
	w.id(uint64(v), w.sizes.FrameIDSize)
}

func (w *Writer) Location(l Location) {
	w.Byte(byte(l.TypeTag))
	w.ReferenceTypeID(l.Class)
	w.MethodID(l.Method)
	w.Long(int64(l.Index))
}

// Value 带类型标记的值
func (w *Writer) Value(v Value) {
	w.Byte(byte(v.Tag))
	w.UntaggedValue(v)
}

// UntaggedValue 只写值本身，类型由上下文决定
func (w *Writer) UntaggedValue(v Value) {
	if v.Tag.IsObject() {
		w.ObjectID(v.Object)
		return
	}
	switch v.Tag.Size() {
	case 1:
		w.Byte(byte(v.Bits))
	case 2:
		w.Short(int16(v.Bits))
	case 4:
		w.Int(int32(v.Bits))
	case 8:
		w.Long(int64(v.Bits))
	}
}

// Reader 回复包和事件包数据的解码器
// 出现第一个错误后的读取都返回零值，调用方在最后检查Err即可
type Reader struct {
	sizes IDSizes
	data  []byte
	off   int
	err   error
}

func NewReader(data []byte, sizes IDSizes) *Reader {
	return &Reader{sizes: sizes, data: data}
}

func (r *Reader) Err() error {
	return r.err
}

// Remaining 未读取的字节数
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Fail 记录一个解码错误
func (r *Reader) Fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s", e.ErrProtocolAnomaly, fmt.Sprintf(format, args...))
	}
}

func (r *Reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.Fail("short packet, need %d bytes at offset %d of %d", n, r.off, len(r.data))
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	return r.Byte() != 0
}

func (r *Reader) Short() int16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return int16(binary.BigEndian.Uint16(b))
}

func (r *Reader) Int() int32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) Long() int64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Reader) String() string {
	n := r.Int()
	b := r.next(int(n))
	return string(b)
}

// Count 读取一个数组长度，并做基本的合法性校验
func (r *Reader) Count() int {
	n := r.Int()
	if n < 0 || int(n) > r.Remaining() {
		r.Fail("invalid count %d", n)
		return 0
	}
	return int(n)
}

func (r *Reader) id(size int32) uint64 {
	b := r.next(int(size))
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func (r *Reader) ObjectID() ObjectID {
	return ObjectID(r.id(r.sizes.ObjectIDSize))
}

func (r *Reader) ThreadID() ThreadID {
	return ThreadID(r.id(r.sizes.ObjectIDSize))
}

func (r *Reader) ReferenceTypeID() ReferenceTypeID {
	return ReferenceTypeID(r.id(r.sizes.ReferenceTypeIDSize))
}

func (r *Reader) MethodID() MethodID {
	return MethodID(r.id(r.sizes.MethodIDSize))
}

func (r *Reader) FieldID() FieldID {
	return FieldID(r.id(r.sizes.FieldIDSize))
}

func (r *Reader) FrameID() FrameID {
	return FrameID(r.id(r.sizes.FrameIDSize))
}

func (r *Reader) TypeTag() constants.TypeTag {
	return constants.TypeTag(r.Byte())
}

func (r *Reader) Location() Location {
	return Location{
		TypeTag: r.TypeTag(),
		Class:   r.ReferenceTypeID(),
		Method:  r.MethodID(),
		Index:   uint64(r.Long()),
	}
}

func (r *Reader) TaggedObjectID() TaggedObjectID {
	return TaggedObjectID{
		Tag:    constants.Tag(r.Byte()),
		Object: r.ObjectID(),
	}
}

// Value 读取带类型标记的值
func (r *Reader) Value() Value {
	return r.UntaggedValue(constants.Tag(r.Byte()))
}

// UntaggedValue 按tag读取值
func (r *Reader) UntaggedValue(tag constants.Tag) Value {
	v := Value{Tag: tag}
	if tag.IsObject() {
		v.Object = r.ObjectID()
		return v
	}
	switch tag.Size() {
	case 1:
		v.Bits = uint64(r.Byte())
	case 2:
		v.Bits = uint64(uint16(r.Short()))
	case 4:
		v.Bits = uint64(uint32(r.Int()))
	case 8:
		v.Bits = uint64(r.Long())
	default:
		if tag != constants.TagVoid {
			r.Fail("unknown value tag %d", tag)
		}
	}
	return v
}

func float32Bits(f float32) uint64 {
	return uint64(math.Float32bits(f))
}

func float64Bits(f float64) uint64 {
	return math.Float64bits(f)
}
