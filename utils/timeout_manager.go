package utils

import (
	"context"
	"sync"
	"time"

	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
)

// TimeoutManager 一个计时器
// 如果在timeout时间内没有执行Reset，就会执行fun函数
type TimeoutManager struct {
	timer          *time.Timer
	timeout        time.Duration
	resetChannel   chan struct{}
	chancelChannel chan struct{}
	chancelOnce    sync.Once
	fun            func()
}

// NewTimeoutManager 创建一个新的计时器实例
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{}
}

// Start 开始计时
func (t *TimeoutManager) Start(ctx context.Context, timeout time.Duration, option func()) {
	t.timer = time.NewTimer(timeout)
	t.timeout = timeout
	t.fun = option
	t.resetChannel = make(chan struct{}, 1)
	t.chancelChannel = make(chan struct{})
	gosync.Go(ctx, func(ctx context.Context) {
		defer t.timer.Stop()
		for {
			select {
			case <-t.timer.C:
				logrus.Infof("[TimeoutManager] idle for %v, performing action", t.timeout)
				t.fun()
				return
			case <-t.resetChannel:
				if !t.timer.Stop() {
					select {
					case <-t.timer.C:
					default:
					}
				}
				t.timer.Reset(t.timeout)
			case <-t.chancelChannel:
				logrus.Debugf("[TimeoutManager] chancel")
				return
			case <-ctx.Done():
				return
			}
		}
	})
}

// Reset 重置计时器，不会阻塞
func (t *TimeoutManager) Reset() {
	select {
	case t.resetChannel <- struct{}{}:
	default:
	}
}

// Chancel 取消计时，可以重复调用
func (t *TimeoutManager) Chancel() {
	t.chancelOnce.Do(func() {
		close(t.chancelChannel)
	})
}
