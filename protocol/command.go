package protocol

import (
	"github.com/fansqz/go-jdi/constants"
)

// Command 发往目标虚拟机的命令
type Command interface {
	// Code 命令集和命令编号
	Code() (constants.CommandSet, uint8)
	// Encode 编码命令数据
	Encode(w *Writer)
}

// Reply 命令的回复
// 解码错误记录在Reader中
type Reply interface {
	Decode(r *Reader)
}

// EncodeCommand 将命令编码为数据包
func EncodeCommand(id uint32, cmd Command, sizes IDSizes) *Packet {
	w := NewWriter(sizes)
	cmd.Encode(w)
	set, code := cmd.Code()
	return &Packet{
		ID:         id,
		CommandSet: set,
		Command:    code,
		Data:       w.Bytes(),
	}
}

// DecodeReply 解码回复数据，reply为nil时忽略数据
func DecodeReply(p *Packet, reply Reply, sizes IDSizes) error {
	if reply == nil {
		return nil
	}
	r := NewReader(p.Data, sizes)
	reply.Decode(r)
	return r.Err()
}

// EmptyReply 没有数据的回复
type EmptyReply struct{}

func (*EmptyReply) Decode(*Reader) {}

// StringReply 只有一个字符串的回复
type StringReply struct {
	Value string
}

func (s *StringReply) Decode(r *Reader) {
	s.Value = r.String()
}

// IntReply 只有一个int的回复
type IntReply struct {
	Value int32
}

func (i *IntReply) Decode(r *Reader) {
	i.Value = r.Int()
}

// BoolReply 只有一个boolean的回复
type BoolReply struct {
	Value bool
}

func (b *BoolReply) Decode(r *Reader) {
	b.Value = r.Bool()
}
