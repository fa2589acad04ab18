package jdi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/sirupsen/logrus"
)

// Commander 发送命令并等待回复
type Commander interface {
	Call(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error
}

// pinEntry 一个对象的本地引用计数
// count由registry.mu保护，pinned和协议交互由entry.mu串行化
type pinEntry struct {
	mu     sync.Mutex
	count  int
	pinned bool
}

// MirrorRegistry 对象id到本地引用计数的映射
// 计数从0到1时禁止目标虚拟机回收该对象，从1到0时重新允许
type MirrorRegistry struct {
	cmd   Commander
	types *TypeCache
	log   *logrus.Entry

	mu      sync.Mutex
	entries map[protocol.ObjectID]*pinEntry
}

func NewMirrorRegistry(cmd Commander, types *TypeCache, log *logrus.Entry) *MirrorRegistry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MirrorRegistry{
		cmd:     cmd,
		types:   types,
		log:     log,
		entries: map[protocol.ObjectID]*pinEntry{},
	}
}

// Acquire 获取对象的镜像，首次获取时发送DisableCollection
func (m *MirrorRegistry) Acquire(ctx context.Context, obj protocol.TaggedObjectID) (*ObjectMirror, error) {
	if obj.IsNull() {
		return nil, fmt.Errorf("%w: null object", e.ErrObjectCollected)
	}
	m.mu.Lock()
	entry, ok := m.entries[obj.Object]
	if !ok {
		entry = &pinEntry{}
		m.entries[obj.Object] = entry
	}
	entry.count++
	m.mu.Unlock()

	if err := m.reconcile(ctx, obj.Object, entry); err != nil {
		m.mu.Lock()
		entry.count--
		m.mu.Unlock()
		_ = m.reconcile(context.WithoutCancel(ctx), obj.Object, entry)
		return nil, err
	}
	return &ObjectMirror{registry: m, id: obj.Object, tag: obj.Tag}, nil
}

// release 引用计数减一，最后一次释放时发送EnableCollection
func (m *MirrorRegistry) release(ctx context.Context, id protocol.ObjectID) error {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok || entry.count == 0 {
		m.mu.Unlock()
		return nil
	}
	entry.count--
	m.mu.Unlock()
	return m.reconcile(ctx, id, entry)
}

// reconcile 使目标端的回收状态与本地计数一致
// 只有状态需要变化时才会产生协议交互，同一对象的交互是串行的
func (m *MirrorRegistry) reconcile(ctx context.Context, id protocol.ObjectID, entry *pinEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	m.mu.Lock()
	want := entry.count > 0
	m.mu.Unlock()

	var err error
	switch {
	case want && !entry.pinned:
		err = m.cmd.Call(ctx, protocol.DisableCollection{Object: id}, nil)
		if err == nil {
			entry.pinned = true
			m.log.Debugf("[MirrorRegistry] pin object %d", id)
		} else if e.IsRemote(err, constants.ErrInvalidObject) {
			err = fmt.Errorf("%w: object %d", e.ErrObjectCollected, id)
		}
	case !want && entry.pinned:
		err = m.cmd.Call(ctx, protocol.EnableCollection{Object: id}, nil)
		// 对象已经不存在或会话已结束时，目标端不再持有该对象
		if err == nil || e.IsRemote(err, constants.ErrInvalidObject) ||
			errors.Is(err, e.ErrConnectionClosed) || errors.Is(err, e.ErrInvalidState) {
			entry.pinned = false
			m.log.Debugf("[MirrorRegistry] unpin object %d", id)
			err = nil
		}
	}

	m.mu.Lock()
	if entry.count == 0 && !entry.pinned && m.entries[id] == entry {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	return err
}

// Count 对象当前的本地引用计数
func (m *MirrorRegistry) Count(id protocol.ObjectID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[id]; ok {
		return entry.count
	}
	return 0
}

// Len 仍被跟踪的对象数量
func (m *MirrorRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reset 会话结束时清空所有记录，不再与目标虚拟机交互
func (m *MirrorRegistry) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[protocol.ObjectID]*pinEntry{}
}

// ObjectMirror 目标虚拟机中一个对象的本地句柄
// 持有期间目标对象不会被回收，用完必须调用Release
type ObjectMirror struct {
	registry *MirrorRegistry
	id       protocol.ObjectID
	tag      constants.Tag
	released atomic.Bool
}

func (o *ObjectMirror) ID() protocol.ObjectID {
	return o.id
}

func (o *ObjectMirror) Tag() constants.Tag {
	return o.tag
}

func (o *ObjectMirror) check() error {
	if o.released.Load() {
		return e.ErrMirrorReleased
	}
	return nil
}

// call 发送以该对象为参数的命令，对象已被回收时返回ErrObjectCollected
func (o *ObjectMirror) call(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error {
	if err := o.check(); err != nil {
		return err
	}
	err := o.registry.cmd.Call(ctx, cmd, reply)
	if e.IsRemote(err, constants.ErrInvalidObject) {
		return fmt.Errorf("%w: object %d", e.ErrObjectCollected, o.id)
	}
	return err
}

// ReferenceType 对象的运行时类型
func (o *ObjectMirror) ReferenceType(ctx context.Context) (*ReferenceTypeMirror, error) {
	reply := &protocol.ObjectReferenceTypeReply{}
	if err := o.call(ctx, protocol.ObjectReferenceType{Object: o.id}, reply); err != nil {
		return nil, err
	}
	return o.registry.types.Mirror(reply.TypeTag, reply.TypeID), nil
}

// IsCollected 查询对象是否已被回收
func (o *ObjectMirror) IsCollected(ctx context.Context) (bool, error) {
	reply := &protocol.BoolReply{}
	if err := o.call(ctx, protocol.IsCollected{Object: o.id}, reply); err != nil {
		if errors.Is(err, e.ErrObjectCollected) {
			return true, nil
		}
		return false, err
	}
	return reply.Value, nil
}

// StringValue 字符串对象的值
func (o *ObjectMirror) StringValue(ctx context.Context) (string, error) {
	if o.tag != constants.TagString {
		return "", fmt.Errorf("%w: object %d is not a string", e.ErrUnsupportedOperation, o.id)
	}
	reply := &protocol.StringReply{}
	if err := o.call(ctx, protocol.StringValue{Object: o.id}, reply); err != nil {
		return "", err
	}
	return reply.Value, nil
}

// Release 释放句柄，多次调用只生效一次
func (o *ObjectMirror) Release(ctx context.Context) error {
	if !o.released.CompareAndSwap(false, true) {
		return nil
	}
	return o.registry.release(ctx, o.id)
}
