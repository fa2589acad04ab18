package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fansqz/go-jdi/config"
	. "github.com/fansqz/go-jdi/debugger"
	"github.com/fansqz/go-jdi/debugger/java_debugger"
	"github.com/fansqz/go-jdi/jdi"
	"github.com/fansqz/go-jdi/jdwp"
	"github.com/fansqz/go-jdi/utils/gosync"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// 定义版本号
const Version = "1.0.1"

var (
	configFile string
	logLevel   string
	cfg        *config.Config

	servePort   int
	breakpoints []string
)

var rootCmd = &cobra.Command{
	Use:           "go-jdi",
	Short:         "Java debugger over JDWP",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		SetupLogger(cfg.Log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		CloseLogger()
	},
}

// serveCmd 启动DAP服务
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the debug adapter protocol over tcp",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("listen at %d: %w", port, err)
		}
		defer listener.Close()
		fmt.Printf("started listening at: %s\n", listener.Addr().String())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		gosync.Go(ctx, func(ctx context.Context) {
			<-ctx.Done()
			_ = listener.Close()
		})
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logrus.Errorf("[Server] accept fail, err = %v", err)
				continue
			}
			gosync.Go(ctx, func(ctx context.Context) {
				handleConnection(ctx, conn, cfg)
			})
		}
	},
}

// attachCmd 连接目标虚拟机，打印事件直到目标虚拟机退出
var attachCmd = &cobra.Command{
	Use:   "attach [address]",
	Short: "Attach to a running JVM and print debug events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addresses := cfg.Session.Addresses
		if len(args) == 1 {
			addresses = []string{args[0]}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		done := make(chan struct{})
		d := java_debugger.NewJavaDebugger()
		err := d.Start(ctx, &StartOption{
			Connector:   socketConnector(cfg, addresses),
			Session:     sessionOptions(cfg),
			Breakpoints: breakpoints,
			Callback: func(event interface{}) {
				printEvent(cmd, d, event)
				if _, ok := event.(*TerminatedEvent); ok {
					close(done)
				}
			},
		})
		if err != nil {
			return err
		}
		if err = d.Run(ctx); err != nil {
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			_ = d.Terminate(context.Background())
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("Version: %s\n", Version)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")
	serveCmd.Flags().IntVar(&servePort, "port", 8889, "TCP port to listen on")
	attachCmd.Flags().StringSliceVarP(&breakpoints, "break", "b", nil, "breakpoints, Class:line or Class.method")
	rootCmd.AddCommand(serveCmd, attachCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printEvent 命令行模式下打印事件，停下时打印调用栈后继续执行
func printEvent(cmd *cobra.Command, d Debugger, event interface{}) {
	switch ev := event.(type) {
	case *BreakpointEvent:
		cmd.Printf("breakpoint %d %s verified=%v\n", ev.Breakpoint.ID, ev.Breakpoint.Spec, ev.Breakpoint.Verified)
	case *StoppedEvent:
		cmd.Printf("stopped: %s thread=%d %s:%d\n", ev.Reason, ev.ThreadID, ev.File, ev.Line)
		// 回调在事件处理协程中执行，查询和继续执行放到新的协程
		gosync.Go(context.Background(), func(ctx context.Context) {
			if frames, err := d.GetStackTrace(ctx, ev.ThreadID); err == nil {
				for _, f := range frames {
					cmd.Printf("    at %s(%s:%d)\n", f.Name, f.Path, f.Line)
				}
			}
			if err := d.Continue(ctx); err != nil {
				logrus.Warnf("[Attach] continue fail, err = %v", err)
			}
		})
	case *ThreadEvent:
		cmd.Printf("thread %d %s\n", ev.ThreadID, ev.Reason)
	case *ExitedEvent:
		cmd.Printf("exited with code %d\n", ev.ExitCode)
	case *LaunchEvent:
		cmd.Println(ev.Message)
	}
}

// sessionOptions 调试会话参数
func sessionOptions(cfg *config.Config) jdi.SessionOptions {
	return jdi.SessionOptions{
		MaxAnomalies:   cfg.Session.MaxAnomalies,
		OrphanBuffer:   cfg.Session.OrphanBuffer,
		DisposeTimeout: cfg.Session.DisposeTimeout,
		Logger:         logrus.WithField("component", "jdi"),
	}
}

func socketConnector(cfg *config.Config, addresses []string) *jdwp.SocketConnector {
	connector := jdwp.NewSocketConnector(addresses...)
	connector.MaxRetries = cfg.Session.ConnectRetries
	if cfg.Session.ConnectInterval > 0 {
		connector.InitialInterval = cfg.Session.ConnectInterval
	}
	return connector
}
