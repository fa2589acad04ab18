package constants

// DebugEventType 前端调试事件类型
type DebugEventType string

const (
	StoppedEvent    DebugEventType = "stopped"
	ContinuedEvent  DebugEventType = "continued"
	ThreadEvent     DebugEventType = "thread"
	OutputEvent     DebugEventType = "output"
	ExitedEvent     DebugEventType = "exited"
	TerminatedEvent DebugEventType = "terminated"
)

// StoppedReasonType 程序停止类型
type StoppedReasonType string

const (
	BreakpointStopped StoppedReasonType = "breakpoint"
	StepStopped       StoppedReasonType = "step"
	PauseStopped      StoppedReasonType = "pause"
	ExceptionStopped  StoppedReasonType = "exception"
)

// ThreadReasonType 线程事件原因
type ThreadReasonType string

const (
	ThreadStarted ThreadReasonType = "started"
	ThreadExited  ThreadReasonType = "exited"
)

// StepType 单步调试类型
type StepType string

const (
	StepIn   StepType = "stepIn"
	StepOut  StepType = "stepOut"
	StepOver StepType = "stepOver"
)

// ScopeName 作用域名称
type ScopeName string

// Local: 当前栈帧中的局部变量和参数。
// This: 当前栈帧的this对象，静态方法和本地方法没有该作用域。
const (
	Local ScopeName = "Local"
	This  ScopeName = "This"
)

// BreakpointReasonType 断点事件原因
type BreakpointReasonType string

const (
	ChangedType BreakpointReasonType = "changed"
	NewType     BreakpointReasonType = "new"
	RemovedType BreakpointReasonType = "removed"
)

// DebugStatus 调试器的状态
type DebugStatus string

const (
	// Init 已连接目标虚拟机，尚未开始运行
	Init    DebugStatus = "init"
	Running DebugStatus = "running"
	Stopped DebugStatus = "stopped"
	Finish  DebugStatus = "finish"
)
