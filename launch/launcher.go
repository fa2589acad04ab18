package launch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/fansqz/go-jdi/jdwp"
	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// DefaultStartTimeout 等待调试代理输出监听地址的时间
const DefaultStartTimeout = 30 * time.Second

var listenPattern = regexp.MustCompile(`Listening for transport dt_socket at address: ([^\s]+)`)

// ErrNoListenAddress 目标虚拟机退出前没有输出监听地址
var ErrNoListenAddress = errors.New("jvm exited before the jdwp agent started listening")

// Options 启动目标虚拟机的参数
type Options struct {
	Java      string
	Classpath []string
	MainClass string
	Args      []string
	JVMArgs   []string
	// Suspend 为true时目标虚拟机在执行main之前等待调试器
	Suspend bool
	// Timeout 等待监听地址的时间，为0时使用DefaultStartTimeout
	Timeout time.Duration
}

// Command 启动目标虚拟机的完整命令行
func (o Options) Command() []string {
	java := o.Java
	if java == "" {
		java = "java"
	}
	suspend := "n"
	if o.Suspend {
		suspend = "y"
	}
	args := []string{java, fmt.Sprintf("-agentlib:jdwp=transport=dt_socket,server=y,address=localhost:0,suspend=%s", suspend)}
	args = append(args, o.JVMArgs...)
	if len(o.Classpath) > 0 {
		args = append(args, "-cp", strings.Join(o.Classpath, string(os.PathListSeparator)))
	}
	if o.MainClass != "" {
		args = append(args, o.MainClass)
	}
	return append(args, o.Args...)
}

// ParseListenAddress 从调试代理的输出中解析监听地址，只有端口时补全为localhost
func ParseListenAddress(output string) (string, bool) {
	m := listenPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	addr := m[1]
	if !strings.Contains(addr, ":") {
		addr = "localhost:" + addr
	}
	return addr, true
}

// Process 在虚拟终端中运行的目标虚拟机
type Process struct {
	cmd     *exec.Cmd
	ptm     *os.File
	address string

	output *io.PipeReader
	pw     *io.PipeWriter

	done      chan struct{}
	exitErr   error
	closeOnce sync.Once
}

// Start 启动目标虚拟机并等待调试代理开始监听
// 监听地址之后的输出通过Output读取
func Start(ctx context.Context, opts Options) (*Process, error) {
	argv := opts.Command()
	cmd := exec.Command(argv[0], argv[1:]...)
	ptm, err := pty.Start(cmd)
	if err != nil {
		logrus.Errorf("[Launch] pty start fail, err = %v", err)
		return nil, err
	}
	if _, err = term.MakeRaw(int(ptm.Fd())); err != nil {
		logrus.Warnf("[Launch] make raw fail, err = %v", err)
	}
	pr, pw := io.Pipe()
	p := &Process{
		cmd:    cmd,
		ptm:    ptm,
		output: pr,
		pw:     pw,
		done:   make(chan struct{}),
	}
	gosync.Go(context.Background(), func(context.Context) {
		p.exitErr = cmd.Wait()
		close(p.done)
	})

	found := make(chan string, 1)
	gosync.Go(context.Background(), func(context.Context) {
		p.pump(found)
	})

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultStartTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case addr, ok := <-found:
		if !ok {
			_ = p.Close()
			return nil, ErrNoListenAddress
		}
		p.address = addr
		logrus.Infof("[Launch] %s listening at %s", opts.MainClass, addr)
		return p, nil
	case <-timer.C:
		_ = p.Close()
		return nil, fmt.Errorf("wait for jdwp agent: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		_ = p.Close()
		return nil, ctx.Err()
	}
}

// pump 读取终端输出，找到监听地址前缓存输出，之后原样转发
func (p *Process) pump(found chan<- string) {
	var pending bytes.Buffer
	b := make([]byte, 1024)
	for {
		n, err := p.ptm.Read(b)
		if n > 0 {
			if found != nil {
				pending.Write(b[:n])
				if addr, ok := ParseListenAddress(pending.String()); ok {
					rest := pending.Bytes()
					loc := listenPattern.FindIndex(rest)
					rest = rest[loc[1]:]
					if i := bytes.IndexByte(rest, '\n'); i >= 0 {
						rest = rest[i+1:]
					} else {
						rest = nil
					}
					found <- addr
					close(found)
					found = nil
					if len(rest) > 0 {
						_, _ = p.pw.Write(rest)
					}
				}
			} else if _, werr := p.pw.Write(b[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			// 子进程退出后主端读取返回EIO
			if found != nil {
				logrus.Warnf("[Launch] jvm output before exit: %s", pending.String())
				close(found)
			}
			_ = p.pw.Close()
			return
		}
	}
}

// Address 调试代理的监听地址
func (p *Process) Address() string {
	return p.address
}

// Connector 连接到该虚拟机的Connector
func (p *Process) Connector() jdwp.Connector {
	return jdwp.NewSocketConnector(p.address)
}

// Output 目标程序的输出
func (p *Process) Output() io.Reader {
	return p.output
}

// Send 写入目标程序的标准输入
func (p *Process) Send(input string) error {
	_, err := p.ptm.Write([]byte(input))
	return err
}

// Done 进程退出后关闭
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait 等待进程退出
func (p *Process) Wait() error {
	<-p.done
	return p.exitErr
}

// Close 结束进程并释放终端
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if p.cmd.Process != nil {
				err = p.cmd.Process.Kill()
			}
		}
		_ = p.ptm.Close()
		_ = p.output.Close()
	})
	return err
}
