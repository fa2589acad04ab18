package jdwp

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Connector 建立到目标虚拟机的原始连接，握手由调用方完成
type Connector interface {
	Connect(ctx context.Context) (io.ReadWriteCloser, error)
}

// ConnectorFunc 函数形式的Connector
type ConnectorFunc func(ctx context.Context) (io.ReadWriteCloser, error)

func (f ConnectorFunc) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// SocketConnector 通过tcp连接dt_socket传输的目标虚拟机
// 依次尝试每个地址，全部失败后按指数退避重试
type SocketConnector struct {
	Addresses       []string
	MaxRetries      uint64
	InitialInterval time.Duration
	DialTimeout     time.Duration
}

func NewSocketConnector(addresses ...string) *SocketConnector {
	return &SocketConnector{
		Addresses:       addresses,
		MaxRetries:      5,
		InitialInterval: 200 * time.Millisecond,
		DialTimeout:     5 * time.Second,
	}
}

func (s *SocketConnector) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	if len(s.Addresses) == 0 {
		return nil, errors.New("no address to attach")
	}
	var conn net.Conn
	operation := func() error {
		var lastErr error
		for _, addr := range s.Addresses {
			dialer := net.Dialer{Timeout: s.DialTimeout}
			c, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				logrus.Infof("[SocketConnector] connected to %s", addr)
				conn = c
				return nil
			}
			lastErr = err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return lastErr
	}
	b := backoff.NewExponentialBackOff()
	if s.InitialInterval > 0 {
		b.InitialInterval = s.InitialInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.MaxRetries), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		logrus.Warnf("[SocketConnector] attach fail, retry in %v, err = %v", wait, err)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
