package protocol

import (
	"fmt"
	"math"
	"strconv"

	"github.com/fansqz/go-jdi/constants"
)

type (
	ObjectID        uint64
	ThreadID        uint64
	ReferenceTypeID uint64
	MethodID        uint64
	FieldID         uint64
	FrameID         uint64
	// EventRequestID 事件请求id，由目标虚拟机分配
	EventRequestID int32
)

// Location 代码位置，Index是方法内的字节码下标
type Location struct {
	TypeTag constants.TypeTag
	Class   ReferenceTypeID
	Method  MethodID
	Index   uint64
}

func (l Location) String() string {
	return fmt.Sprintf("%d.%d@%d", l.Class, l.Method, l.Index)
}

// TaggedObjectID 带类型标记的对象id
type TaggedObjectID struct {
	Tag    constants.Tag
	Object ObjectID
}

func (t TaggedObjectID) IsNull() bool {
	return t.Object == 0
}

// Value 目标虚拟机中的一个值
// 基本类型保存在Bits中，对象引用保存在Object中
type Value struct {
	Tag    constants.Tag
	Bits   uint64
	Object ObjectID
}

func IntValue(v int32) Value {
	return Value{Tag: constants.TagInt, Bits: uint64(uint32(v))}
}

func LongValue(v int64) Value {
	return Value{Tag: constants.TagLong, Bits: uint64(v)}
}

func BoolValue(v bool) Value {
	if v {
		return Value{Tag: constants.TagBoolean, Bits: 1}
	}
	return Value{Tag: constants.TagBoolean}
}

func FloatValue(v float32) Value {
	return Value{Tag: constants.TagFloat, Bits: float32Bits(v)}
}

func DoubleValue(v float64) Value {
	return Value{Tag: constants.TagDouble, Bits: float64Bits(v)}
}

func ObjectValue(tag constants.Tag, id ObjectID) Value {
	return Value{Tag: tag, Object: id}
}

func (v Value) IsObject() bool {
	return v.Tag.IsObject()
}

func (v Value) IsNull() bool {
	return v.Tag.IsObject() && v.Object == 0
}

func (v Value) Int() int32 {
	return int32(uint32(v.Bits))
}

func (v Value) Long() int64 {
	return int64(v.Bits)
}

func (v Value) Bool() bool {
	return v.Bits != 0
}

// TaggedObject 对象引用值转为TaggedObjectID
func (v Value) TaggedObject() TaggedObjectID {
	return TaggedObjectID{Tag: v.Tag, Object: v.Object}
}

// String 基本类型直接格式化，对象引用只给出id
func (v Value) String() string {
	switch v.Tag {
	case constants.TagBoolean:
		return strconv.FormatBool(v.Bool())
	case constants.TagByte:
		return strconv.Itoa(int(int8(v.Bits)))
	case constants.TagChar:
		return strconv.QuoteRune(rune(uint16(v.Bits)))
	case constants.TagShort:
		return strconv.Itoa(int(int16(v.Bits)))
	case constants.TagInt:
		return strconv.Itoa(int(v.Int()))
	case constants.TagLong:
		return strconv.FormatInt(v.Long(), 10)
	case constants.TagFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.Bits))), 'g', -1, 32)
	case constants.TagDouble:
		return strconv.FormatFloat(math.Float64frombits(v.Bits), 'g', -1, 64)
	case constants.TagVoid:
		return "void"
	}
	if v.Object == 0 {
		return "null"
	}
	return fmt.Sprintf("%c@%d", rune(v.Tag), v.Object)
}
