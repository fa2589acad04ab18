package jdwp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/sets/hashset"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxAnomalies 连续出现多少次协议异常后关闭连接
	DefaultMaxAnomalies = 16
	// maxCancelledIDs 记录的已取消请求id上限
	maxCancelledIDs = 4096
)

// Handler 接收读循环产生的事件和断连通知
// 两个方法都在读协程中被调用，不能阻塞
// HandleDisconnect在读协程退出前调用，之后不会再有HandleEventSet
type Handler interface {
	HandleEventSet(set *protocol.EventSet)
	HandleDisconnect(err error)
}

// Options 连接参数
type Options struct {
	MaxAnomalies int
	Logger       *logrus.Entry
}

// Conn 一条JDWP连接
// 负责命令的发送、回复与请求的关联，以及事件包的分发
type Conn struct {
	rwc     io.ReadWriteCloser
	handler Handler
	log     *logrus.Entry

	sizesMu sync.RWMutex
	sizes   protocol.IDSizes

	nextID  atomic.Uint32
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]*PendingReply
	cancelled *hashset.Set
	closed    bool
	closeErr  error

	maxAnomalies int
	anomalies    int

	done       chan struct{}
	closeOnce  sync.Once
	started    atomic.Bool
	readerDone chan struct{}
}

// NewConn 在已完成握手的连接上创建Conn，调用Start后开始读取
func NewConn(rwc io.ReadWriteCloser, handler Handler, opts Options) *Conn {
	if opts.MaxAnomalies <= 0 {
		opts.MaxAnomalies = DefaultMaxAnomalies
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Conn{
		rwc:          rwc,
		handler:      handler,
		log:          opts.Logger,
		sizes:        protocol.DefaultIDSizes,
		pending:      map[uint32]*PendingReply{},
		cancelled:    hashset.New(),
		maxAnomalies: opts.MaxAnomalies,
		done:         make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
}

// Start 启动读协程
func (c *Conn) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	gosync.Go(ctx, c.readLoop)
}

// IDSizes 当前使用的ID长度
func (c *Conn) IDSizes() protocol.IDSizes {
	c.sizesMu.RLock()
	defer c.sizesMu.RUnlock()
	return c.sizes
}

func (c *Conn) SetIDSizes(sizes protocol.IDSizes) {
	c.sizesMu.Lock()
	defer c.sizesMu.Unlock()
	c.sizes = sizes
}

// Done 连接关闭后该通道被关闭
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err 连接关闭的原因
func (c *Conn) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Close 主动关闭连接，所有未完成的请求以ErrConnectionClosed结束
// 读协程已启动时等待它处理完断连通知后返回，不能在读协程中调用
func (c *Conn) Close() error {
	c.shutdown(e.ErrConnectionClosed)
	<-c.done
	if c.started.Load() {
		<-c.readerDone
	}
	return nil
}

// Issue 发送命令，返回一个等待回复的句柄
// 连接已关闭时立即返回ErrConnectionClosed
func (c *Conn) Issue(cmd protocol.Command) (*PendingReply, error) {
	id := c.nextID.Add(1)
	p := &PendingReply{id: id, conn: c, done: make(chan struct{})}

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, e.ErrConnectionClosed
	}
	c.pending[id] = p
	c.pendingMu.Unlock()

	packet := protocol.EncodeCommand(id, cmd, c.IDSizes())
	c.log.Debugf("[jdwp] send %s", packet)
	c.writeMu.Lock()
	err := protocol.WritePacket(c.rwc, packet)
	c.writeMu.Unlock()
	if err != nil {
		c.resolve(id, nil, fmt.Errorf("%w: %v", e.ErrConnectionClosed, err))
		c.shutdown(err)
		return nil, e.ErrConnectionClosed
	}
	return p, nil
}

// Call 发送命令并等待回复，回复数据解码到reply中
func (c *Conn) Call(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error {
	p, err := c.Issue(cmd)
	if err != nil {
		return err
	}
	packet, err := p.Wait(ctx)
	if err != nil {
		return err
	}
	if packet.ErrorCode != 0 {
		return e.NewRemoteError(packet.ErrorCode)
	}
	if err = protocol.DecodeReply(packet, reply, c.IDSizes()); err != nil {
		return err
	}
	return nil
}

// PendingCount 尚未完成的请求数量
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// resolve 从表中移除请求并完成它
// 只有移除成功的一方会完成请求，保证每个请求只被完成一次
func (c *Conn) resolve(id uint32, packet *protocol.Packet, err error) bool {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		p.complete(packet, err)
	}
	return ok
}

// cancel 调用方放弃等待，迟到的回复会被静默丢弃
func (c *Conn) cancel(id uint32) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if c.cancelled.Size() >= maxCancelledIDs {
			c.cancelled.Clear()
		}
		c.cancelled.Add(id)
	}
	c.pendingMu.Unlock()
	if ok {
		p.complete(nil, context.Canceled)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readerDone)
	defer func() {
		if c.handler != nil {
			c.handler.HandleDisconnect(c.Err())
		}
	}()
	reader := bufio.NewReader(c.rwc)
	for {
		packet, err := protocol.ReadPacket(reader)
		if err != nil {
			if errors.Is(err, e.ErrProtocolAnomaly) {
				c.log.Warnf("[jdwp] unreadable packet, err = %v", err)
			}
			c.shutdown(err)
			return
		}
		if !c.dispatch(packet) {
			c.anomalies++
			if c.anomalies >= c.maxAnomalies {
				c.log.Errorf("[jdwp] %d consecutive protocol anomalies, closing connection", c.anomalies)
				c.shutdown(e.ErrProtocolAnomaly)
				return
			}
			continue
		}
		c.anomalies = 0
	}
}

// dispatch 将数据包交给关联器或事件分发，返回false表示出现协议异常
func (c *Conn) dispatch(packet *protocol.Packet) bool {
	if packet.IsReply() {
		c.log.Debugf("[jdwp] recv %s", packet)
		if c.resolve(packet.ID, packet, nil) {
			return true
		}
		c.pendingMu.Lock()
		wasCancelled := c.cancelled.Contains(packet.ID)
		if wasCancelled {
			c.cancelled.Remove(packet.ID)
		}
		c.pendingMu.Unlock()
		if wasCancelled {
			return true
		}
		c.log.Warnf("[jdwp] %v: reply for unknown request %d", e.ErrProtocolAnomaly, packet.ID)
		return false
	}
	if !packet.IsEvent() {
		c.log.Warnf("[jdwp] %v: unexpected command %s", e.ErrProtocolAnomaly, packet)
		return false
	}
	set, err := protocol.DecodeEventSet(packet.Data, c.IDSizes())
	if err != nil {
		c.log.Warnf("[jdwp] decode event set fail, err = %v", err)
		return false
	}
	if c.handler != nil {
		c.handler.HandleEventSet(set)
	}
	return true
}

// shutdown 关闭连接，让所有未完成的请求以ErrConnectionClosed结束
// 断连通知由读协程在退出时发出，保证排在所有事件之后
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		c.closed = true
		if cause == nil || errors.Is(cause, io.EOF) {
			cause = e.ErrConnectionClosed
		}
		c.closeErr = cause
		pending := c.pending
		c.pending = map[uint32]*PendingReply{}
		c.cancelled.Clear()
		c.pendingMu.Unlock()

		_ = c.rwc.Close()
		closedErr := e.ErrConnectionClosed
		if !errors.Is(cause, e.ErrConnectionClosed) {
			closedErr = fmt.Errorf("%w: %v", e.ErrConnectionClosed, cause)
		}
		for _, p := range pending {
			p.complete(nil, closedErr)
		}
		c.log.Infof("[jdwp] connection closed, %d pending requests failed, cause = %v", len(pending), cause)
		close(c.done)
	})
}

// PendingReply 一个等待回复的请求
type PendingReply struct {
	id     uint32
	conn   *Conn
	done   chan struct{}
	once   sync.Once
	packet *protocol.Packet
	err    error
}

func (p *PendingReply) ID() uint32 {
	return p.id
}

// Done 请求完成后关闭
func (p *PendingReply) Done() <-chan struct{} {
	return p.done
}

// Wait 等待回复，ctx结束时取消请求并返回ctx.Err()
func (p *PendingReply) Wait(ctx context.Context) (*protocol.Packet, error) {
	select {
	case <-p.done:
		return p.packet, p.err
	case <-ctx.Done():
		p.Cancel()
		<-p.done
		if errors.Is(p.err, context.Canceled) {
			return nil, ctx.Err()
		}
		return p.packet, p.err
	}
}

// Cancel 放弃该请求，已完成的请求不受影响
func (p *PendingReply) Cancel() {
	p.conn.cancel(p.id)
}

func (p *PendingReply) complete(packet *protocol.Packet, err error) {
	p.once.Do(func() {
		p.packet = packet
		p.err = err
		close(p.done)
	})
}
