package constants

import "fmt"

// CommandSet JDWP命令集
type CommandSet uint8

const (
	VirtualMachineSet CommandSet = 1
	ReferenceTypeSet  CommandSet = 2
	MethodSet         CommandSet = 6
	ObjectRefSet      CommandSet = 9
	StringRefSet      CommandSet = 10
	ThreadRefSet      CommandSet = 11
	EventRequestSet   CommandSet = 15
	StackFrameSet     CommandSet = 16
	EventSet          CommandSet = 64
)

// 各命令集下的命令编号
const (
	VMVersion            uint8 = 1
	VMClassesBySignature uint8 = 2
	VMAllClasses         uint8 = 3
	VMAllThreads         uint8 = 4
	VMDispose            uint8 = 6
	VMIDSizes            uint8 = 7
	VMSuspend            uint8 = 8
	VMResume             uint8 = 9
	VMExit               uint8 = 10
	VMCapabilitiesNew    uint8 = 17
	VMRedefineClasses    uint8 = 18

	RTSignature uint8 = 1
	RTFields    uint8 = 4
	RTMethods   uint8 = 5

	MLineTable     uint8 = 1
	MVariableTable uint8 = 2

	ORReferenceType     uint8 = 1
	ORDisableCollection uint8 = 7
	OREnableCollection  uint8 = 8
	ORIsCollected       uint8 = 9

	SRValue uint8 = 1

	TRName         uint8 = 1
	TRSuspend      uint8 = 2
	TRResume       uint8 = 3
	TRStatus       uint8 = 4
	TRFrames       uint8 = 6
	TRFrameCount   uint8 = 7
	TRSuspendCount uint8 = 12

	ERSet                 uint8 = 1
	ERClear               uint8 = 2
	ERClearAllBreakpoints uint8 = 3

	SFGetValues  uint8 = 1
	SFThisObject uint8 = 3

	ECComposite uint8 = 100
)

// EventKind 事件类型
type EventKind uint8

const (
	EventSingleStep                EventKind = 1
	EventBreakpoint                EventKind = 2
	EventFramePop                  EventKind = 3
	EventException                 EventKind = 4
	EventUserDefined               EventKind = 5
	EventThreadStart               EventKind = 6
	EventThreadDeath               EventKind = 7
	EventClassPrepare              EventKind = 8
	EventClassUnload               EventKind = 9
	EventClassLoad                 EventKind = 10
	EventFieldAccess               EventKind = 20
	EventFieldModification         EventKind = 21
	EventExceptionCatch            EventKind = 30
	EventMethodEntry               EventKind = 40
	EventMethodExit                EventKind = 41
	EventMethodExitWithReturnValue EventKind = 42
	EventMonitorContendedEnter     EventKind = 43
	EventMonitorContendedEntered   EventKind = 44
	EventMonitorWait               EventKind = 45
	EventMonitorWaited             EventKind = 46
	EventVMStart                   EventKind = 90
	EventVMDeath                   EventKind = 99
	// EventVMDisconnected 不会出现在线路上，连接断开时本地生成
	EventVMDisconnected EventKind = 100
)

var eventKindNames = map[EventKind]string{
	EventSingleStep:                "SingleStep",
	EventBreakpoint:                "Breakpoint",
	EventFramePop:                  "FramePop",
	EventException:                 "Exception",
	EventUserDefined:               "UserDefined",
	EventThreadStart:               "ThreadStart",
	EventThreadDeath:               "ThreadDeath",
	EventClassPrepare:              "ClassPrepare",
	EventClassUnload:               "ClassUnload",
	EventClassLoad:                 "ClassLoad",
	EventFieldAccess:               "FieldAccess",
	EventFieldModification:         "FieldModification",
	EventExceptionCatch:            "ExceptionCatch",
	EventMethodEntry:               "MethodEntry",
	EventMethodExit:                "MethodExit",
	EventMethodExitWithReturnValue: "MethodExitWithReturnValue",
	EventMonitorContendedEnter:     "MonitorContendedEnter",
	EventMonitorContendedEntered:   "MonitorContendedEntered",
	EventMonitorWait:               "MonitorWait",
	EventMonitorWaited:             "MonitorWaited",
	EventVMStart:                   "VMStart",
	EventVMDeath:                   "VMDeath",
	EventVMDisconnected:            "VMDisconnected",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// SuspendPolicy 事件触发时目标虚拟机的挂起策略
type SuspendPolicy uint8

const (
	SuspendNone        SuspendPolicy = 0
	SuspendEventThread SuspendPolicy = 1
	SuspendAll         SuspendPolicy = 2
)

func (p SuspendPolicy) String() string {
	switch p {
	case SuspendNone:
		return "none"
	case SuspendEventThread:
		return "event-thread"
	case SuspendAll:
		return "all"
	}
	return fmt.Sprintf("SuspendPolicy(%d)", uint8(p))
}

// TypeTag 引用类型的种类
type TypeTag uint8

const (
	TypeTagClass     TypeTag = 1
	TypeTagInterface TypeTag = 2
	TypeTagArray     TypeTag = 3
)

// Tag 值的类型标记，即JNI签名的首字符
type Tag uint8

const (
	TagArray       Tag = '['
	TagByte        Tag = 'B'
	TagChar        Tag = 'C'
	TagObject      Tag = 'L'
	TagFloat       Tag = 'F'
	TagDouble      Tag = 'D'
	TagInt         Tag = 'I'
	TagLong        Tag = 'J'
	TagShort       Tag = 'S'
	TagVoid        Tag = 'V'
	TagBoolean     Tag = 'Z'
	TagString      Tag = 's'
	TagThread      Tag = 't'
	TagThreadGroup Tag = 'g'
	TagClassLoader Tag = 'l'
	TagClassObject Tag = 'c'
)

// IsObject 判断该标记的值是否是一个对象引用
func (t Tag) IsObject() bool {
	switch t {
	case TagArray, TagObject, TagString, TagThread, TagThreadGroup, TagClassLoader, TagClassObject:
		return true
	}
	return false
}

// Size 基本类型值在线路上的字节数，对象引用返回0，由ID长度决定
func (t Tag) Size() int {
	switch t {
	case TagByte, TagBoolean:
		return 1
	case TagChar, TagShort:
		return 2
	case TagInt, TagFloat:
		return 4
	case TagLong, TagDouble:
		return 8
	}
	return 0
}

// TagFromSignature 根据JNI签名得到值的类型标记
func TagFromSignature(signature string) Tag {
	if signature == "" {
		return TagVoid
	}
	if signature == "Ljava/lang/String;" {
		return TagString
	}
	return Tag(signature[0])
}

// ModifierKind 事件请求过滤器类型
type ModifierKind uint8

const (
	ModCount           ModifierKind = 1
	ModConditional     ModifierKind = 2
	ModThreadOnly      ModifierKind = 3
	ModClassOnly       ModifierKind = 4
	ModClassMatch      ModifierKind = 5
	ModClassExclude    ModifierKind = 6
	ModLocationOnly    ModifierKind = 7
	ModExceptionOnly   ModifierKind = 8
	ModFieldOnly       ModifierKind = 9
	ModStep            ModifierKind = 10
	ModInstanceOnly    ModifierKind = 11
	ModSourceNameMatch ModifierKind = 12
)

// StepSize 单步的粒度
type StepSize int32

const (
	StepSizeMin  StepSize = 0
	StepSizeLine StepSize = 1
)

// StepDepth 单步的深度
type StepDepth int32

const (
	StepDepthInto StepDepth = 0
	StepDepthOver StepDepth = 1
	StepDepthOut  StepDepth = 2
)

// ThreadStatus 线程状态
type ThreadStatus int32

const (
	ThreadZombie   ThreadStatus = 0
	ThreadRunning  ThreadStatus = 1
	ThreadSleeping ThreadStatus = 2
	ThreadMonitor  ThreadStatus = 3
	ThreadWait     ThreadStatus = 4
)

// SuspendStatusSuspended ThreadReference.Status返回的挂起标志位
const SuspendStatusSuspended int32 = 1

// ErrorCode JDWP错误码
type ErrorCode uint16

const (
	ErrNone                                ErrorCode = 0
	ErrInvalidThread                       ErrorCode = 10
	ErrInvalidThreadGroup                  ErrorCode = 11
	ErrInvalidPriority                     ErrorCode = 12
	ErrThreadNotSuspended                  ErrorCode = 13
	ErrThreadSuspended                     ErrorCode = 14
	ErrThreadNotAlive                      ErrorCode = 15
	ErrInvalidObject                       ErrorCode = 20
	ErrInvalidClass                        ErrorCode = 21
	ErrClassNotPrepared                    ErrorCode = 22
	ErrInvalidMethodID                     ErrorCode = 23
	ErrInvalidLocation                     ErrorCode = 24
	ErrInvalidFieldID                      ErrorCode = 25
	ErrInvalidFrameID                      ErrorCode = 30
	ErrNoMoreFrames                        ErrorCode = 31
	ErrOpaqueFrame                         ErrorCode = 32
	ErrNotCurrentFrame                     ErrorCode = 33
	ErrTypeMismatch                        ErrorCode = 34
	ErrInvalidSlot                         ErrorCode = 35
	ErrDuplicate                           ErrorCode = 40
	ErrNotFound                            ErrorCode = 41
	ErrInvalidMonitor                      ErrorCode = 50
	ErrNotMonitorOwner                     ErrorCode = 51
	ErrInterrupt                           ErrorCode = 52
	ErrInvalidClassFormat                  ErrorCode = 60
	ErrCircularClassDefinition             ErrorCode = 61
	ErrFailsVerification                   ErrorCode = 62
	ErrAddMethodNotImplemented             ErrorCode = 63
	ErrSchemaChangeNotImplemented          ErrorCode = 64
	ErrInvalidTypestate                    ErrorCode = 65
	ErrHierarchyChangeNotImplemented       ErrorCode = 66
	ErrDeleteMethodNotImplemented          ErrorCode = 67
	ErrUnsupportedVersion                  ErrorCode = 68
	ErrNamesDontMatch                      ErrorCode = 69
	ErrClassModifiersChangeNotImplemented  ErrorCode = 70
	ErrMethodModifiersChangeNotImplemented ErrorCode = 71
	ErrNotImplemented                      ErrorCode = 99
	ErrNullPointer                         ErrorCode = 100
	ErrAbsentInformation                   ErrorCode = 101
	ErrInvalidEventType                    ErrorCode = 102
	ErrIllegalArgument                     ErrorCode = 103
	ErrOutOfMemory                         ErrorCode = 110
	ErrAccessDenied                        ErrorCode = 111
	ErrVMDead                              ErrorCode = 112
	ErrInternal                            ErrorCode = 113
	ErrUnattachedThread                    ErrorCode = 115
	ErrInvalidTag                          ErrorCode = 500
	ErrAlreadyInvoking                     ErrorCode = 502
	ErrInvalidIndex                        ErrorCode = 503
	ErrInvalidLength                       ErrorCode = 504
	ErrInvalidString                       ErrorCode = 506
	ErrInvalidClassLoader                  ErrorCode = 507
	ErrInvalidArray                        ErrorCode = 508
	ErrTransportLoad                       ErrorCode = 509
	ErrTransportInit                       ErrorCode = 510
	ErrNativeMethod                        ErrorCode = 511
	ErrInvalidCount                        ErrorCode = 512
)

var errorCodeNames = map[ErrorCode]string{
	ErrInvalidThread:      "INVALID_THREAD",
	ErrThreadNotSuspended: "THREAD_NOT_SUSPENDED",
	ErrThreadNotAlive:     "THREAD_NOT_ALIVE",
	ErrInvalidObject:      "INVALID_OBJECT",
	ErrInvalidClass:       "INVALID_CLASS",
	ErrClassNotPrepared:   "CLASS_NOT_PREPARED",
	ErrInvalidMethodID:    "INVALID_METHODID",
	ErrInvalidLocation:    "INVALID_LOCATION",
	ErrInvalidFieldID:     "INVALID_FIELDID",
	ErrInvalidFrameID:     "INVALID_FRAMEID",
	ErrOpaqueFrame:        "OPAQUE_FRAME",
	ErrInvalidSlot:        "INVALID_SLOT",
	ErrNotFound:           "NOT_FOUND",
	ErrNotImplemented:     "NOT_IMPLEMENTED",
	ErrAbsentInformation:  "ABSENT_INFORMATION",
	ErrInvalidEventType:   "INVALID_EVENT_TYPE",
	ErrIllegalArgument:    "ILLEGAL_ARGUMENT",
	ErrVMDead:             "VM_DEAD",
	ErrInternal:           "INTERNAL",
	ErrNativeMethod:       "NATIVE_METHOD",
	ErrInvalidCount:       "INVALID_COUNT",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", uint16(c))
}
