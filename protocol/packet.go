package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
)

const (
	// Handshake 双方连接建立后互相发送的握手字符串
	Handshake = "JDWP-Handshake"
	// HeaderLength 包头长度
	HeaderLength = 11
	// ReplyFlag flags中表示回复包的标志位
	ReplyFlag byte = 0x80
	// MaxPacketLength 允许读取的最大包长度
	MaxPacketLength = 1 << 22
)

// Packet JDWP数据包
// 命令包使用CommandSet和Command，回复包使用ErrorCode
type Packet struct {
	ID         uint32
	Flags      byte
	CommandSet constants.CommandSet
	Command    uint8
	ErrorCode  constants.ErrorCode
	Data       []byte
}

func (p *Packet) IsReply() bool {
	return p.Flags&ReplyFlag != 0
}

// IsEvent 判断是否是目标虚拟机主动发送的事件包
func (p *Packet) IsEvent() bool {
	return !p.IsReply() && p.CommandSet == constants.EventSet && p.Command == constants.ECComposite
}

func (p *Packet) String() string {
	if p.IsReply() {
		return fmt.Sprintf("reply{id=%d, error=%s, len=%d}", p.ID, p.ErrorCode, len(p.Data))
	}
	return fmt.Sprintf("command{id=%d, %d/%d, len=%d}", p.ID, p.CommandSet, p.Command, len(p.Data))
}

// WritePacket 将数据包写入w
func WritePacket(w io.Writer, p *Packet) error {
	buf := make([]byte, HeaderLength, HeaderLength+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(HeaderLength+len(p.Data)))
	binary.BigEndian.PutUint32(buf[4:8], p.ID)
	buf[8] = p.Flags
	if p.IsReply() {
		binary.BigEndian.PutUint16(buf[9:11], uint16(p.ErrorCode))
	} else {
		buf[9] = byte(p.CommandSet)
		buf[10] = p.Command
	}
	buf = append(buf, p.Data...)
	_, err := w.Write(buf)
	return err
}

// ReadPacket 从r中读取一个完整的数据包
// 包长度非法时返回ErrProtocolAnomaly，此时流已经无法继续解析
func ReadPacket(r io.Reader) (*Packet, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length < HeaderLength || length > MaxPacketLength {
		return nil, fmt.Errorf("%w: packet length %d", e.ErrProtocolAnomaly, length)
	}
	p := &Packet{
		ID:    binary.BigEndian.Uint32(header[4:8]),
		Flags: header[8],
	}
	if p.IsReply() {
		p.ErrorCode = constants.ErrorCode(binary.BigEndian.Uint16(header[9:11]))
	} else {
		p.CommandSet = constants.CommandSet(header[9])
		p.Command = header[10]
	}
	p.Data = make([]byte, length-HeaderLength)
	if _, err := io.ReadFull(r, p.Data); err != nil {
		return nil, err
	}
	return p, nil
}

// DoHandshake 发送握手字符串并校验对端的回应
// 如果rw是net.Conn，ctx的deadline会作用于握手过程
func DoHandshake(ctx context.Context, rw io.ReadWriter) error {
	if conn, ok := rw.(net.Conn); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
			defer conn.SetDeadline(time.Time{})
		}
	}
	if _, err := rw.Write([]byte(Handshake)); err != nil {
		return fmt.Errorf("%w: %v", e.ErrHandshakeFailed, err)
	}
	answer := make([]byte, len(Handshake))
	if _, err := io.ReadFull(rw, answer); err != nil {
		return fmt.Errorf("%w: %v", e.ErrHandshakeFailed, err)
	}
	if string(answer) != Handshake {
		return fmt.Errorf("%w: unexpected answer %q", e.ErrHandshakeFailed, answer)
	}
	return nil
}
