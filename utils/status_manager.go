package utils

import "sync"

// StatusManager 记录一个状态机的当前状态
// 状态变化时通知通过Watch注册的监听者
type StatusManager[S comparable] struct {
	lock     sync.RWMutex
	status   S
	watchers []func(from, to S)
}

func NewStatusManager[S comparable](initial S) *StatusManager[S] {
	return &StatusManager[S]{
		status: initial,
	}
}

func (s *StatusManager[S]) Get() S {
	defer s.lock.RUnlock()
	s.lock.RLock()
	return s.status
}

// Set 无条件设置状态
func (s *StatusManager[S]) Set(status S) {
	s.lock.Lock()
	from := s.status
	s.status = status
	watchers := s.watchers
	s.lock.Unlock()
	if from != status {
		notify(watchers, from, status)
	}
}

// Transition 当前状态是from之一时切换到to，返回是否切换成功
func (s *StatusManager[S]) Transition(to S, from ...S) bool {
	s.lock.Lock()
	current := s.status
	ok := false
	for _, f := range from {
		if current == f {
			ok = true
			break
		}
	}
	if !ok {
		s.lock.Unlock()
		return false
	}
	s.status = to
	watchers := s.watchers
	s.lock.Unlock()
	if current != to {
		notify(watchers, current, to)
	}
	return true
}

func (s *StatusManager[S]) Is(statusList ...S) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}

// Watch 注册状态变化的监听，监听函数在修改状态的协程中同步执行
func (s *StatusManager[S]) Watch(fn func(from, to S)) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.watchers = append(s.watchers, fn)
}

func notify[S comparable](watchers []func(from, to S), from, to S) {
	for _, fn := range watchers {
		fn(from, to)
	}
}
