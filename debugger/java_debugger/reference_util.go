package java_debugger

import (
	"context"
	"sync"

	"github.com/fansqz/go-jdi/jdi"
	"github.com/sirupsen/logrus"
)

type scopeKind int

const (
	localScope scopeKind = iota + 1
	thisScope
)

type scopeRef struct {
	kind  scopeKind
	frame *jdi.StackFrame
	this  *jdi.ObjectMirror
}

// ReferenceUtil 栈帧和作用域的整数引用
// 程序继续执行后栈帧失效，所有引用随之清空，持有的对象句柄一并释放
type ReferenceUtil struct {
	mutex   sync.Mutex
	next    int
	frames  map[int]*jdi.StackFrame
	scopes  map[int]scopeRef
	mirrors []*jdi.ObjectMirror
}

func NewReferenceUtil() *ReferenceUtil {
	return &ReferenceUtil{
		frames: map[int]*jdi.StackFrame{},
		scopes: map[int]scopeRef{},
	}
}

func (r *ReferenceUtil) allocLocked() int {
	r.next++
	return r.next
}

// AddFrame 给栈帧分配引用
func (r *ReferenceUtil) AddFrame(frame *jdi.StackFrame) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id := r.allocLocked()
	r.frames[id] = frame
	return id
}

func (r *ReferenceUtil) Frame(id int) (*jdi.StackFrame, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	f, ok := r.frames[id]
	return f, ok
}

// AddScope 给作用域分配引用，this作用域的对象句柄在Reset时释放
func (r *ReferenceUtil) AddScope(scope scopeRef) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id := r.allocLocked()
	r.scopes[id] = scope
	if scope.this != nil {
		r.mirrors = append(r.mirrors, scope.this)
	}
	return id
}

func (r *ReferenceUtil) Scope(id int) (scopeRef, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	s, ok := r.scopes[id]
	return s, ok
}

// Reset 清空所有引用，引用编号继续递增，旧引用不会指向新的栈帧
func (r *ReferenceUtil) Reset(ctx context.Context) {
	r.mutex.Lock()
	mirrors := r.mirrors
	r.frames = map[int]*jdi.StackFrame{}
	r.scopes = map[int]scopeRef{}
	r.mirrors = nil
	r.mutex.Unlock()
	for _, m := range mirrors {
		if err := m.Release(ctx); err != nil {
			logrus.Warnf("[ReferenceUtil] release object %d fail, err = %v", m.ID(), err)
		}
	}
}
