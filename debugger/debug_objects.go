package debugger

import (
	"io"

	"github.com/fansqz/go-jdi/constants"
	"github.com/fansqz/go-jdi/jdi"
	"github.com/fansqz/go-jdi/jdwp"
)

// Target 被调试的进程，提供输出和输入
type Target interface {
	Output() io.Reader
	Send(input string) error
	Close() error
}

// StartOption 启动调试的参数
type StartOption struct {
	// Connector 连接目标虚拟机
	Connector jdwp.Connector
	Session   jdi.SessionOptions
	// Target 由调试器启动的进程，attach时为nil
	Target Target
	// Breakpoints 初始断点
	Breakpoints []string
	// Callback 事件回调
	Callback NotificationCallback
}

// Breakpoint 表示断点
type Breakpoint struct {
	ID       int    `json:"id"`
	Spec     string `json:"spec"`
	Verified bool   `json:"verified"`
	Message  string `json:"message"`
	Path     string `json:"path"`
	Line     int    `json:"line"`
}

// Thread 线程
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// StackFrame 栈帧
type StackFrame struct {
	ID   int    `json:"id"`   // 栈帧引用
	Name string `json:"name"` // 类名.方法名
	Path string `json:"path"` // 源文件路径
	Line int    `json:"line"`
}

// Scope 作用域
type Scope struct {
	Name      constants.ScopeName
	Reference int // 作用域的引用
}

// Variable 变量
type Variable struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
	// 变量引用，为0表示没有子节点
	Reference int `json:"reference"`
}

// 定义的一些Event
var (
	LaunchSuccessEvent = NewLaunchEvent(true, "目标虚拟机连接成功")
	LaunchFailEvent    = NewLaunchEvent(false, "目标虚拟机连接失败")
)

// BreakpointEvent 断点事件
// 该event指示有关断点的某些信息已更改。
type BreakpointEvent struct {
	Reason     constants.BreakpointReasonType
	Breakpoint *Breakpoint
}

func NewBreakpointEvent(reason constants.BreakpointReasonType, breakpoint *Breakpoint) *BreakpointEvent {
	return &BreakpointEvent{
		Reason:     reason,
		Breakpoint: breakpoint,
	}
}

// OutputEvent
// 用户程序输出
type OutputEvent struct {
	Output string // 输出内容
}

func NewOutputEvent(output string) *OutputEvent {
	return &OutputEvent{
		Output: output,
	}
}

// StoppedEvent
// 该event表明，由于某些原因，被调试进程的执行已经停止。
// 这可能是由先前设置的断点、完成的步进请求、暂停请求等引起的。
type StoppedEvent struct {
	Reason   constants.StoppedReasonType // 停止执行的原因
	ThreadID int
	File     string // 当前停止在哪个文件
	Line     int    // 停止在某行
}

func NewStoppedEvent(reason constants.StoppedReasonType, threadID int, file string, line int) *StoppedEvent {
	return &StoppedEvent{
		Reason:   reason,
		ThreadID: threadID,
		File:     file,
		Line:     line,
	}
}

// ContinuedEvent
// 该event表明debug的执行已经继续。
type ContinuedEvent struct {
	ThreadID int
}

func NewContinuedEvent(threadID int) *ContinuedEvent {
	return &ContinuedEvent{ThreadID: threadID}
}

// ThreadEvent 线程启动或退出
type ThreadEvent struct {
	Reason   constants.ThreadReasonType
	ThreadID int
}

func NewThreadEvent(reason constants.ThreadReasonType, threadID int) *ThreadEvent {
	return &ThreadEvent{
		Reason:   reason,
		ThreadID: threadID,
	}
}

// ExitedEvent
// 该event表明被调试对象已经退出并返回exit code。但是并不意味着调试会话结束
type ExitedEvent struct {
	ExitCode int
	Message  string
}

func NewExitedEvent(code int, message string) *ExitedEvent {
	return &ExitedEvent{
		ExitCode: code,
		Message:  message,
	}
}

// TerminatedEvent 调试会话结束
type TerminatedEvent struct {
}

func NewTerminatedEvent() *TerminatedEvent {
	return &TerminatedEvent{}
}

// LaunchEvent
// 调试资源准备成功
type LaunchEvent struct {
	Success bool
	Message string
}

func NewLaunchEvent(success bool, message string) *LaunchEvent {
	return &LaunchEvent{
		Success: success,
		Message: message,
	}
}
