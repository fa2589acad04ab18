package debugger

import (
	"context"
)

type NotificationCallback func(interface{})

// Debugger
// 用户的一次调试过程处理
// 线程、栈帧和变量都用整数引用表示，引用在程序继续执行后失效
// 需要保证并发安全
type Debugger interface {
	// Start
	// 连接目标虚拟机并设置初始断点，callback用来异步处理事件和程序输出
	Start(ctx context.Context, option *StartOption) error
	// Run 配置完成，开始运行目标程序
	Run(ctx context.Context) error
	// Send 输入
	Send(ctx context.Context, input string) error
	// Threads 目标虚拟机中的线程
	Threads(ctx context.Context) ([]*Thread, error)
	// Pause 暂停所有线程
	Pause(ctx context.Context) error
	// StepOver 下一步，不会进入函数内部
	StepOver(ctx context.Context, threadID int) error
	// StepIn 下一步，会进入函数内部
	StepIn(ctx context.Context, threadID int) error
	// StepOut 单步退出
	StepOut(ctx context.Context, threadID int) error
	// Continue 忽略继续执行
	Continue(ctx context.Context) error
	// SetBreakpoints 设置断点，参数是全部断点，不在其中的已有断点会被移除
	// 断点格式为 类名:行号 或 类名.方法名
	SetBreakpoints(ctx context.Context, specs []string) ([]*Breakpoint, error)
	// GetStackTrace 获取栈帧
	GetStackTrace(ctx context.Context, threadID int) ([]*StackFrame, error)
	// GetScopes 获取栈帧的作用域
	GetScopes(ctx context.Context, frameID int) ([]*Scope, error)
	// GetVariables 查看作用域或引用的值
	GetVariables(ctx context.Context, reference int) ([]*Variable, error)
	// Terminate 终止调试
	Terminate(ctx context.Context) error
}
