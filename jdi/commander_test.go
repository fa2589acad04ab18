package jdi

import (
	"context"
	"sync"
	"time"

	"github.com/fansqz/go-jdi/constants"
	"github.com/fansqz/go-jdi/protocol"
)

const (
	timeout = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type commandKey struct {
	set constants.CommandSet
	cmd uint8
}

func keyOf(cmd protocol.Command) commandKey {
	set, c := cmd.Code()
	return commandKey{set, c}
}

type commandFunc func(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error

// fakeCommander 按命令类型回复，记录每条命令的次数
type fakeCommander struct {
	mu       sync.Mutex
	handlers map[commandKey]commandFunc
	counts   map[commandKey]int
	calls    []protocol.Command
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{
		handlers: map[commandKey]commandFunc{},
		counts:   map[commandKey]int{},
	}
}

func (f *fakeCommander) handle(set constants.CommandSet, cmd uint8, fn commandFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[commandKey{set, cmd}] = fn
}

func (f *fakeCommander) count(set constants.CommandSet, cmd uint8) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[commandKey{set, cmd}]
}

func (f *fakeCommander) Call(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error {
	key := keyOf(cmd)
	f.mu.Lock()
	f.counts[key]++
	f.calls = append(f.calls, cmd)
	fn := f.handlers[key]
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, cmd, reply)
}

// classFixture 一个带两个方法的类：main(第10到12行)和一个native方法
type classFixture struct {
	typeID    protocol.ReferenceTypeID
	signature string
	main      protocol.MethodID
	native    protocol.MethodID
}

var testClass = classFixture{
	typeID:    100,
	signature: "Lcom/example/Main;",
	main:      7,
	native:    8,
}

// installClass 注册类型元数据相关命令的回复
func (f *fakeCommander) installClass(c classFixture) {
	f.handle(constants.ReferenceTypeSet, constants.RTSignature, func(_ context.Context, _ protocol.Command, reply protocol.Reply) error {
		reply.(*protocol.StringReply).Value = c.signature
		return nil
	})
	f.handle(constants.ReferenceTypeSet, constants.RTFields, func(_ context.Context, _ protocol.Command, reply protocol.Reply) error {
		reply.(*protocol.FieldsReply).Fields = []protocol.FieldInfo{{FieldID: 1, Name: "count", Signature: "I"}}
		return nil
	})
	f.handle(constants.ReferenceTypeSet, constants.RTMethods, func(_ context.Context, _ protocol.Command, reply protocol.Reply) error {
		reply.(*protocol.MethodsReply).Methods = []protocol.MethodInfo{
			{MethodID: c.main, Name: "main", Signature: "([Ljava/lang/String;)V", ModBits: 0x0009},
			{MethodID: c.native, Name: "hash", Signature: "()I", ModBits: protocol.ModNative},
		}
		return nil
	})
	f.handle(constants.MethodSet, constants.MLineTable, func(_ context.Context, cmd protocol.Command, reply protocol.Reply) error {
		r := reply.(*protocol.LineTableReply)
		r.Start, r.End = 0, 20
		r.Lines = []protocol.LineEntry{{CodeIndex: 0, Line: 10}, {CodeIndex: 5, Line: 11}, {CodeIndex: 12, Line: 12}}
		return nil
	})
}
