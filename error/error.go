package error

import (
	"errors"
	"fmt"

	"github.com/fansqz/go-jdi/constants"
)

var (
	ErrConnectionClosed     = errors.New("connection closed")
	ErrInvalidState         = errors.New("invalid session state")
	ErrProtocolAnomaly      = errors.New("protocol anomaly")
	ErrHandshakeFailed      = errors.New("jdwp handshake failed")
	ErrObjectCollected      = errors.New("object has been garbage collected")
	ErrThreadNotSuspended   = errors.New("thread is not suspended")
	ErrInvalidLocation      = errors.New("invalid location")
	ErrUnsupportedOperation = errors.New("operation not supported by target vm")
	ErrStaleFrame           = errors.New("stack frame is no longer valid")
	ErrSubscriptionClosed   = errors.New("event subscription closed")
	ErrMirrorReleased       = errors.New("mirror has been released")
	ErrBreakpointSpec       = errors.New("invalid breakpoint spec")

	ErrProgramIsRunning  = errors.New("program is running, operation not allowed")
	ErrProgramNotRunning = errors.New("program is not running")
)

// RemoteError 目标虚拟机针对某个命令返回的错误码
type RemoteError struct {
	Code constants.ErrorCode
}

func (r *RemoteError) Error() string {
	return fmt.Sprintf("jdwp error %d (%s)", uint16(r.Code), r.Code)
}

// Is 错误码相同即视为同一错误
func (r *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	return ok && t.Code == r.Code
}

// NewRemoteError 创建一个RemoteError
func NewRemoteError(code constants.ErrorCode) *RemoteError {
	return &RemoteError{Code: code}
}

// IsRemote 判断err是否是指定错误码之一的RemoteError
func IsRemote(err error, codes ...constants.ErrorCode) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	for _, code := range codes {
		if remote.Code == code {
			return true
		}
	}
	return false
}
