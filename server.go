package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fansqz/go-jdi/config"
	"github.com/fansqz/go-jdi/debugger"
	"github.com/fansqz/go-jdi/launch"
	"github.com/fansqz/go-jdi/utils"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// DebugSession 一个DAP客户端连接对应的调试会话
type DebugSession struct {
	ctx  context.Context
	conn net.Conn
	// rw 读取请求，写入响应和事件
	rw        *bufio.ReadWriter
	sendMutex sync.Mutex

	cfg *config.Config

	// debugger 在launch或attach请求之后创建
	mutex    sync.Mutex
	debugger debugger.Debugger
	process  *launch.Process
	// sourceRoots 源文件根目录，用于源文件路径和类名的转换
	sourceRoots []string

	breakpoints *breakpointBook

	// timeoutManager 客户端长时间没有请求时结束调试
	timeoutManager *utils.TimeoutManager
}

// handleConnection 处理一个客户端连接，连接断开时结束调试
func handleConnection(ctx context.Context, conn net.Conn, cfg *config.Config) {
	logrus.Infof("[Server] accept connection from %s", conn.RemoteAddr())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	session := &DebugSession{
		ctx:            ctx,
		conn:           conn,
		rw:             bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		cfg:            cfg,
		breakpoints:    newBreakpointBook(),
		timeoutManager: utils.NewTimeoutManager(),
	}
	if cfg.Server.IdleTimeout > 0 {
		session.timeoutManager.Start(ctx, cfg.Server.IdleTimeout, func() {
			logrus.Warnf("[Server] connection %s idle timeout", conn.RemoteAddr())
			_ = conn.Close()
		})
	}

	for {
		err := session.handleRequest()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logrus.Infof("[Server] no more data to read from %s", conn.RemoteAddr())
				break
			}
			// 无法解析的消息无法继续读取后续请求
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if !errors.As(err, &decodeErr) {
				logrus.Errorf("[Server] read request fail, err = %v", err)
				break
			}
			logrus.Warnf("[Server] decode request fail, err = %v", err)
		}
	}

	session.timeoutManager.Chancel()
	session.terminate(context.Background())
	_ = conn.Close()
	logrus.Infof("[Server] closing connection from %s", conn.RemoteAddr())
}

func (d *DebugSession) handleRequest() error {
	request, err := dap.ReadProtocolMessage(d.rw.Reader)
	if err != nil {
		return err
	}
	d.timeoutManager.Reset()
	d.dispatchRequest(request)
	return nil
}

func (d *DebugSession) dispatchRequest(request dap.Message) {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		d.onInitializeRequest(request)
	case *dap.LaunchRequest:
		d.onLaunchRequest(request)
	case *dap.AttachRequest:
		d.onAttachRequest(request)
	case *dap.DisconnectRequest:
		d.onDisconnectRequest(request)
	case *dap.TerminateRequest:
		d.onTerminateRequest(request)
	case *dap.SetBreakpointsRequest:
		d.onSetBreakpointsRequest(request)
	case *dap.SetFunctionBreakpointsRequest:
		d.onSetFunctionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		d.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		d.onConfigurationDoneRequest(request)
	case *dap.ThreadsRequest:
		d.onThreadsRequest(request)
	case *dap.PauseRequest:
		d.onPauseRequest(request)
	case *dap.ContinueRequest:
		d.onContinueRequest(request)
	case *dap.NextRequest:
		d.onNextRequest(request)
	case *dap.StepInRequest:
		d.onStepInRequest(request)
	case *dap.StepOutRequest:
		d.onStepOutRequest(request)
	case *dap.StackTraceRequest:
		d.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		d.onScopesRequest(request)
	case *dap.VariablesRequest:
		d.onVariablesRequest(request)
	default:
		if req, ok := request.(dap.RequestMessage); ok {
			base := req.GetRequest()
			d.send(newErrorResponse(base.Seq, base.Command, fmt.Sprintf("%s is not yet supported", base.Command)))
		}
		logrus.Warnf("[Server] unable to process %#v", request)
	}
}

// send 把消息写给客户端，事件和响应可能来自不同协程
func (d *DebugSession) send(message dap.Message) {
	d.sendMutex.Lock()
	defer d.sendMutex.Unlock()
	if err := dap.WriteProtocolMessage(d.rw.Writer, message); err != nil {
		logrus.Errorf("[Server] write message fail, err = %v", err)
		return
	}
	if err := d.rw.Flush(); err != nil {
		logrus.Errorf("[Server] flush fail, err = %v", err)
	}
}

// getDebugger 还没有launch或attach时返回错误
func (d *DebugSession) getDebugger() (debugger.Debugger, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.debugger == nil {
		return nil, errors.New("debugger not started, send launch or attach first")
	}
	return d.debugger, nil
}

// terminate 结束调试，关闭由本会话启动的进程
func (d *DebugSession) terminate(ctx context.Context) {
	d.mutex.Lock()
	dbg, process := d.debugger, d.process
	d.mutex.Unlock()
	if dbg != nil {
		if err := dbg.Terminate(ctx); err != nil {
			logrus.Warnf("[Server] terminate debugger fail, err = %v", err)
		}
	}
	if process != nil {
		_ = process.Close()
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

func newErrorResponse(requestSeq int, command string, message string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{}
	er.Response = *newResponse(requestSeq, command)
	er.Success = false
	er.Message = message
	er.Body.Error = &dap.ErrorMessage{}
	er.Body.Error.Format = message
	er.Body.Error.Id = 12345
	return er
}
