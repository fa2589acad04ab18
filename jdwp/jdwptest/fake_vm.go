// Package jdwptest 提供一个内存中的假目标虚拟机，用于测试JDWP客户端
package jdwptest

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/fansqz/go-jdi/constants"
	"github.com/fansqz/go-jdi/protocol"
)

// NoReply 处理函数返回该值时不发送回复，可以之后用Reply手动回复
const NoReply constants.ErrorCode = 0xFFFF

// Call 目标虚拟机收到的一条命令
type Call struct {
	Packet *protocol.Packet
	Reader *protocol.Reader
}

// HandlerFunc 处理一条命令，回复数据写入reply，返回错误码
type HandlerFunc func(call *Call, reply *protocol.Writer) constants.ErrorCode

type commandKey struct {
	set constants.CommandSet
	cmd uint8
}

// FakeVM 假的目标虚拟机
// 回答握手阶段的命令，以及基于AddClass、AddThread、AddObject注册的模型的查询
// 没有处理函数的命令返回NOT_IMPLEMENTED
type FakeVM struct {
	Sizes        protocol.IDSizes
	Capabilities protocol.Capabilities

	client net.Conn
	server net.Conn

	writeMu  sync.Mutex
	mu       sync.Mutex
	handlers map[commandKey]HandlerFunc
	calls    []*protocol.Packet
	received chan *protocol.Packet
	done     chan struct{}

	classes     map[protocol.ReferenceTypeID]*Class
	threads     map[protocol.ThreadID]*Thread
	objects     map[protocol.ObjectID]*Object
	vmSuspend   int32
	nextRequest protocol.EventRequestID
	sets        []SetRecord
	cleared     []protocol.EventRequestID
}

func New() *FakeVM {
	client, server := net.Pipe()
	f := &FakeVM{
		Sizes:    protocol.IDSizes{FieldIDSize: 8, MethodIDSize: 8, ObjectIDSize: 8, ReferenceTypeIDSize: 8, FrameIDSize: 8},
		client:   client,
		server:   server,
		handlers: map[commandKey]HandlerFunc{},
		received: make(chan *protocol.Packet, 1024),
		done:     make(chan struct{}),
		classes:  map[protocol.ReferenceTypeID]*Class{},
		threads:  map[protocol.ThreadID]*Thread{},
		objects:  map[protocol.ObjectID]*Object{},
	}
	f.installModel()
	f.Handle(constants.VirtualMachineSet, constants.VMIDSizes, func(_ *Call, w *protocol.Writer) constants.ErrorCode {
		f.Sizes.Encode(w)
		return 0
	})
	f.Handle(constants.VirtualMachineSet, constants.VMVersion, func(_ *Call, w *protocol.Writer) constants.ErrorCode {
		w.String("fake vm")
		w.Int(17)
		w.Int(0)
		w.String("17.0")
		w.String("FakeVM")
		return 0
	})
	f.Handle(constants.VirtualMachineSet, constants.VMCapabilitiesNew, func(_ *Call, w *protocol.Writer) constants.ErrorCode {
		f.mu.Lock()
		caps := f.Capabilities
		f.mu.Unlock()
		caps.Encode(w)
		return 0
	})
	f.Handle(constants.VirtualMachineSet, constants.VMDispose, func(*Call, *protocol.Writer) constants.ErrorCode {
		return 0
	})
	return f
}

// Connector 返回客户端一侧的连接，并在后台开始服务
func (f *FakeVM) Connector() func(ctx context.Context) (io.ReadWriteCloser, error) {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		go f.serve()
		return f.client, nil
	}
}

// Handle 注册命令处理函数
func (f *FakeVM) Handle(set constants.CommandSet, cmd uint8, fn HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[commandKey{set, cmd}] = fn
}

// SetCapabilities 设置CapabilitiesNew的回复
func (f *FakeVM) SetCapabilities(caps protocol.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Capabilities = caps
}

// Count 某条命令被收到的次数
func (f *FakeVM) Count(set constants.CommandSet, cmd uint8) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.calls {
		if p.CommandSet == set && p.Command == cmd {
			n++
		}
	}
	return n
}

// Received 按顺序收到的命令
func (f *FakeVM) Received() <-chan *protocol.Packet {
	return f.received
}

// Reply 手动回复一个请求
func (f *FakeVM) Reply(id uint32, code constants.ErrorCode, data []byte) error {
	return f.write(&protocol.Packet{ID: id, Flags: protocol.ReplyFlag, ErrorCode: code, Data: data})
}

// SendEvents 发送一个Composite事件包，并按挂起策略挂起目标端的线程
func (f *FakeVM) SendEvents(policy constants.SuspendPolicy, events ...protocol.Event) error {
	f.applyPolicy(policy, events)
	set := &protocol.EventSet{SuspendPolicy: policy, Events: events}
	return f.write(&protocol.Packet{
		CommandSet: constants.EventSet,
		Command:    constants.ECComposite,
		Data:       protocol.EncodeEventSet(set, f.Sizes),
	})
}

// SendPacket 发送任意数据包
func (f *FakeVM) SendPacket(p *protocol.Packet) error {
	return f.write(p)
}

// Drop 模拟连接断开
func (f *FakeVM) Drop() {
	_ = f.server.Close()
}

// Done 服务循环结束后关闭
func (f *FakeVM) Done() <-chan struct{} {
	return f.done
}

func (f *FakeVM) write(p *protocol.Packet) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return protocol.WritePacket(f.server, p)
}

func (f *FakeVM) serve() {
	defer close(f.done)
	handshake := make([]byte, len(protocol.Handshake))
	if _, err := io.ReadFull(f.server, handshake); err != nil {
		return
	}
	if _, err := f.server.Write(handshake); err != nil {
		return
	}
	for {
		p, err := protocol.ReadPacket(f.server)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, p)
		fn, ok := f.handlers[commandKey{p.CommandSet, p.Command}]
		f.mu.Unlock()
		select {
		case f.received <- p:
		default:
		}
		if !ok {
			_ = f.Reply(p.ID, constants.ErrNotImplemented, nil)
			continue
		}
		// 处理函数在单独的协程中执行，避免阻塞读取
		go func(p *protocol.Packet, fn HandlerFunc) {
			w := protocol.NewWriter(f.Sizes)
			code := fn(&Call{Packet: p, Reader: protocol.NewReader(p.Data, f.Sizes)}, w)
			if code == NoReply {
				return
			}
			var data []byte
			if code == 0 {
				data = w.Bytes()
			}
			_ = f.Reply(p.ID, code, data)
		}(p, fn)
	}
}
