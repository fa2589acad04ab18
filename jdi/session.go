package jdi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdwp"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/fansqz/go-jdi/utils"
	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
)

// SessionState 会话的生命周期状态
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateHandshaking  SessionState = "handshaking"
	StateReady        SessionState = "ready"
	StateTerminating  SessionState = "terminating"
	StateDisposed     SessionState = "disposed"
)

// DefaultDisposeTimeout 等待目标端回复Dispose的时间
const DefaultDisposeTimeout = 3 * time.Second

// SessionOptions 会话参数，零值使用默认值
type SessionOptions struct {
	MaxAnomalies   int
	OrphanBuffer   int
	DisposeTimeout time.Duration
	Logger         *logrus.Entry
}

// VMSession 与一个目标虚拟机的调试会话
// 持有连接以及所有镜像相关的组件，会话结束后所有镜像和未完成的请求都失效
type VMSession struct {
	id        string
	connector jdwp.Connector
	opts      SessionOptions
	log       *logrus.Entry
	status    *utils.StatusManager[SessionState]

	mu      sync.RWMutex
	conn    *jdwp.Conn
	caps    protocol.Capabilities
	version protocol.VersionReply

	demux    *EventDemux
	types    *TypeCache
	mirrors  *MirrorRegistry
	threads  *ThreadController
	requests *EventRequestManager

	lost         atomic.Bool
	dead         atomic.Bool
	teardownOnce sync.Once
	disposed     chan struct{}
}

// NewVMSession 创建一个未连接的会话
func NewVMSession(connector jdwp.Connector, opts SessionOptions) *VMSession {
	if opts.DisposeTimeout <= 0 {
		opts.DisposeTimeout = DefaultDisposeTimeout
	}
	id := utils.GetUUID()
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("session", id)
	s := &VMSession{
		id:        id,
		connector: connector,
		opts:      opts,
		log:       log,
		status:    utils.NewStatusManager(StateDisconnected),
		disposed:  make(chan struct{}),
	}
	s.demux = NewEventDemux(opts.OrphanBuffer, log)
	s.types = NewTypeCache(s, log)
	s.mirrors = NewMirrorRegistry(s, s.types, log)
	s.threads = NewThreadController(s, s.mirrors, log)
	s.requests = NewEventRequestManager(s, s.demux, s.types, s.Capabilities, log)

	s.demux.AddObserver(BeforeDelivery, s)
	s.demux.AddObserver(BeforeDelivery, s.threads)
	s.demux.AddObserver(BeforeDelivery, s.types)
	s.demux.AddObserver(AfterDelivery, s.requests)
	s.demux.AddObserver(AfterDelivery, vmDeathObserver{s})
	s.status.Watch(func(from, to SessionState) {
		s.log.Infof("[VMSession] state %s -> %s", from, to)
	})
	return s
}

func (s *VMSession) ID() string {
	return s.id
}

func (s *VMSession) State() SessionState {
	return s.status.Get()
}

// Done 会话进入Disposed后关闭
func (s *VMSession) Done() <-chan struct{} {
	return s.disposed
}

// Connect 建立连接、握手、协商ID长度并查询能力，成功后进入Ready
func (s *VMSession) Connect(ctx context.Context) error {
	if !s.status.Transition(StateHandshaking, StateDisconnected) {
		return fmt.Errorf("%w: connect in state %s", e.ErrInvalidState, s.status.Get())
	}
	err := s.connect(ctx)
	if err == nil && !s.status.Transition(StateReady, StateHandshaking) {
		err = fmt.Errorf("%w: connection lost during handshake", e.ErrConnectionClosed)
	}
	if err != nil {
		s.log.Errorf("[VMSession] connect fail, err = %v", err)
		s.closeConn()
		s.lost.Store(false)
		s.status.Transition(StateDisconnected, StateHandshaking, StateTerminating)
		return err
	}
	return nil
}

func (s *VMSession) connect(ctx context.Context) error {
	rwc, err := s.connector.Connect(ctx)
	if err != nil {
		return err
	}
	if err = protocol.DoHandshake(ctx, rwc); err != nil {
		_ = rwc.Close()
		return err
	}
	conn := jdwp.NewConn(rwc, s, jdwp.Options{MaxAnomalies: s.opts.MaxAnomalies, Logger: s.log})
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	conn.Start(context.WithoutCancel(ctx))

	sizes := protocol.IDSizes{}
	if err = conn.Call(ctx, protocol.GetIDSizes{}, &sizes); err != nil {
		return fmt.Errorf("query id sizes: %w", err)
	}
	conn.SetIDSizes(sizes)

	version := protocol.VersionReply{}
	if err = conn.Call(ctx, protocol.Version{}, &version); err != nil {
		return fmt.Errorf("query version: %w", err)
	}
	caps := protocol.Capabilities{}
	if err = conn.Call(ctx, protocol.CapabilitiesNew{}, &caps); err != nil {
		if !e.IsRemote(err, constants.ErrNotImplemented) {
			return fmt.Errorf("query capabilities: %w", err)
		}
		s.log.Warnf("[VMSession] target does not report capabilities, assume none")
	}
	s.mu.Lock()
	s.version = version
	s.caps = caps
	s.mu.Unlock()
	s.log.Infof("[VMSession] connected to %s %s, jdwp %d.%d", version.VMName, version.VMVersion,
		version.JDWPMajor, version.JDWPMinor)
	return nil
}

func (s *VMSession) connection() *jdwp.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *VMSession) closeConn() {
	if conn := s.connection(); conn != nil {
		_ = conn.Close()
	}
}

// Dispose 结束会话，可以重复调用
func (s *VMSession) Dispose(ctx context.Context) error {
	switch {
	case s.status.Is(StateDisposed):
		return nil
	case s.status.Transition(StateDisposed, StateDisconnected):
		s.teardown()
		return nil
	case s.status.Transition(StateTerminating, StateReady):
		disposeCtx, cancel := context.WithTimeout(ctx, s.opts.DisposeTimeout)
		err := s.connection().Call(disposeCtx, protocol.Dispose{}, nil)
		cancel()
		if err != nil && !errors.Is(err, e.ErrConnectionClosed) {
			s.log.Warnf("[VMSession] dispose command fail, err = %v", err)
		}
		s.teardown()
		return nil
	case s.status.Is(StateHandshaking):
		return fmt.Errorf("%w: dispose while handshaking", e.ErrInvalidState)
	}
	// 虚拟机死亡或连接断开，后台正在清理
	select {
	case <-s.disposed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown 关闭连接，结束所有订阅并清空所有组件的状态
func (s *VMSession) teardown() {
	s.teardownOnce.Do(func() {
		s.closeConn()
		s.demux.Close()
		s.requests.Reset()
		s.threads.Reset()
		s.mirrors.Reset()
		s.types.Reset()
		s.status.Set(StateDisposed)
		close(s.disposed)
	})
}

// HandleEventSet 读协程收到事件包
func (s *VMSession) HandleEventSet(set *protocol.EventSet) {
	s.demux.Dispatch(set)
}

// HandleDisconnect 连接断开，由读协程在退出前调用，不能同步关闭连接
// 会话主动关闭时不再投递VMDisconnected，订阅由teardown结束
func (s *VMSession) HandleDisconnect(err error) {
	if s.status.Transition(StateTerminating, StateHandshaking) {
		// Connect负责清理
		return
	}
	if !s.status.Is(StateReady) {
		return
	}
	s.lost.Store(true)
	s.demux.Dispatch(&protocol.EventSet{
		SuspendPolicy: constants.SuspendNone,
		Events:        []protocol.Event{&protocol.VMDisconnectedEvent{Err: err}},
	})
}

// ObserveEvent 虚拟机死亡时会话进入Terminating，不再接受新的命令
func (s *VMSession) ObserveEvent(_ constants.SuspendPolicy, ev protocol.Event) {
	switch ev.(type) {
	case *protocol.VMDeathEvent, *protocol.VMDisconnectedEvent:
		if s.status.Transition(StateTerminating, StateReady) {
			s.log.Infof("[VMSession] target vm terminated")
			s.dead.Store(true)
		}
	}
}

// vmDeathObserver 虚拟机死亡事件投递给所有订阅者之后再清理会话
type vmDeathObserver struct {
	s *VMSession
}

func (o vmDeathObserver) ObserveEvent(_ constants.SuspendPolicy, ev protocol.Event) {
	switch ev.(type) {
	case *protocol.VMDeathEvent, *protocol.VMDisconnectedEvent:
		if o.s.dead.CompareAndSwap(true, false) {
			gosync.Go(context.Background(), func(context.Context) {
				o.s.teardown()
			})
		}
	}
}

// checkReady 只有Ready状态可以发送命令
// 连接断开到清理完成之间返回ErrConnectionClosed
func (s *VMSession) checkReady() error {
	if s.status.Is(StateReady) {
		return nil
	}
	state := s.status.Get()
	if s.lost.Load() && state != StateDisposed {
		return fmt.Errorf("%w: session is %s", e.ErrConnectionClosed, state)
	}
	return fmt.Errorf("%w: session is %s", e.ErrInvalidState, state)
}

// Call 发送命令并等待回复
func (s *VMSession) Call(ctx context.Context, cmd protocol.Command, reply protocol.Reply) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.connection().Call(ctx, cmd, reply)
}

// Issue 发送命令，返回等待回复的句柄
func (s *VMSession) Issue(cmd protocol.Command) (*jdwp.PendingReply, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.connection().Issue(cmd)
}

// Send 发送命令并把回复解码为R
func Send[R any, P interface {
	*R
	protocol.Reply
}](ctx context.Context, c Commander, cmd protocol.Command) (*R, error) {
	reply := P(new(R))
	if err := c.Call(ctx, cmd, reply); err != nil {
		return nil, err
	}
	return (*R)(reply), nil
}

// Capabilities 连接时协商得到的能力，之后只读
func (s *VMSession) Capabilities() protocol.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

func (s *VMSession) Version() protocol.VersionReply {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *VMSession) IDSizes() protocol.IDSizes {
	if conn := s.connection(); conn != nil {
		return conn.IDSizes()
	}
	return protocol.DefaultIDSizes
}

func (s *VMSession) Types() *TypeCache {
	return s.types
}

func (s *VMSession) Mirrors() *MirrorRegistry {
	return s.mirrors
}

func (s *VMSession) Threads() *ThreadController {
	return s.threads
}

func (s *VMSession) Requests() *EventRequestManager {
	return s.requests
}

// Events 合并后的事件流
func (s *VMSession) Events() *Subscription {
	return s.demux.SubscribeAll()
}

// Subscribe 某个请求id的事件流
func (s *VMSession) Subscribe(id protocol.EventRequestID) *Subscription {
	return s.demux.Subscribe(id)
}

// SubscribeUnfiltered 与请求无关的事件流，例如VMStart和VMDeath
func (s *VMSession) SubscribeUnfiltered(kind constants.EventKind) *Subscription {
	return s.demux.SubscribeUnfiltered(kind)
}

// Acquire 获取对象镜像
func (s *VMSession) Acquire(ctx context.Context, obj protocol.TaggedObjectID) (*ObjectMirror, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.mirrors.Acquire(ctx, obj)
}

// MetadataFor 类型元数据
func (s *VMSession) MetadataFor(ctx context.Context, id protocol.ReferenceTypeID) (*ReferenceTypeMetadata, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.types.MetadataFor(ctx, id)
}

// AllThreads 目标虚拟机中所有存活的线程
func (s *VMSession) AllThreads(ctx context.Context) ([]*ThreadMirror, error) {
	reply, err := Send[protocol.AllThreadsReply](ctx, s, protocol.AllThreads{})
	if err != nil {
		return nil, err
	}
	threads := make([]*ThreadMirror, 0, len(reply.Threads))
	for _, id := range reply.Threads {
		threads = append(threads, s.threads.Thread(id))
	}
	return threads, nil
}

func (s *VMSession) noteClasses(classes []protocol.ClassInfo) []*ReferenceTypeMirror {
	mirrors := make([]*ReferenceTypeMirror, 0, len(classes))
	for _, c := range classes {
		s.types.Note(c.TypeTag, c.TypeID, c.Signature)
		mirrors = append(mirrors, s.types.Mirror(c.TypeTag, c.TypeID))
	}
	return mirrors
}

// ClassesBySignature 按签名查找已加载的类型，例如Ljava/lang/String;
func (s *VMSession) ClassesBySignature(ctx context.Context, signature string) ([]*ReferenceTypeMirror, error) {
	reply, err := Send[protocol.ClassesBySignatureReply](ctx, s, protocol.ClassesBySignature{Signature: signature})
	if err != nil {
		return nil, err
	}
	for i := range reply.Classes {
		reply.Classes[i].Signature = signature
	}
	return s.noteClasses(reply.Classes), nil
}

// ClassesByName 按类名查找，例如java.lang.String
func (s *VMSession) ClassesByName(ctx context.Context, name string) ([]*ReferenceTypeMirror, error) {
	return s.ClassesBySignature(ctx, NameToSignature(name))
}

func (s *VMSession) AllClasses(ctx context.Context) ([]*ReferenceTypeMirror, error) {
	reply, err := Send[protocol.AllClassesReply](ctx, s, protocol.AllClasses{})
	if err != nil {
		return nil, err
	}
	return s.noteClasses(reply.Classes), nil
}

func (s *VMSession) SuspendAll(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.threads.SuspendAll(ctx)
}

func (s *VMSession) ResumeAll(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.threads.ResumeAll(ctx)
}

// Exit 让目标虚拟机以exitCode退出，随后会话随连接断开而结束
func (s *VMSession) Exit(ctx context.Context, exitCode int32) error {
	return s.Call(ctx, protocol.Exit{ExitCode: exitCode}, nil)
}

// RedefineClasses 重定义类，成功后对应类型的元数据失效
func (s *VMSession) RedefineClasses(ctx context.Context, classes []protocol.ClassDef) error {
	if !s.Capabilities().CanRedefineClasses {
		return fmt.Errorf("%w: redefine classes", e.ErrUnsupportedOperation)
	}
	if err := s.Call(ctx, protocol.RedefineClasses{Classes: classes}, nil); err != nil {
		return err
	}
	for _, c := range classes {
		s.types.Invalidate(c.TypeID)
	}
	return nil
}
