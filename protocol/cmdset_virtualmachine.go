package protocol

import "github.com/fansqz/go-jdi/constants"

// Version VirtualMachine.Version
type Version struct{}

func (Version) Code() (constants.CommandSet, uint8) { return constants.VirtualMachineSet, constants.VMVersion }
func (Version) Encode(*Writer)                      {}

type VersionReply struct {
	Description string
	JDWPMajor   int32
	JDWPMinor   int32
	VMVersion   string
	VMName      string
}

func (v *VersionReply) Decode(r *Reader) {
	v.Description = r.String()
	v.JDWPMajor = r.Int()
	v.JDWPMinor = r.Int()
	v.VMVersion = r.String()
	v.VMName = r.String()
}

// ClassesBySignature VirtualMachine.ClassesBySignature
type ClassesBySignature struct {
	Signature string
}

func (ClassesBySignature) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMClassesBySignature
}
func (c ClassesBySignature) Encode(w *Writer) { w.String(c.Signature) }

// ClassInfo 已加载类的信息
type ClassInfo struct {
	TypeTag   constants.TypeTag
	TypeID    ReferenceTypeID
	Signature string
	Status    int32
}

type ClassesBySignatureReply struct {
	Classes []ClassInfo
}

func (c *ClassesBySignatureReply) Decode(r *Reader) {
	n := r.Count()
	c.Classes = make([]ClassInfo, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		c.Classes = append(c.Classes, ClassInfo{
			TypeTag: r.TypeTag(),
			TypeID:  r.ReferenceTypeID(),
			Status:  r.Int(),
		})
	}
}

// AllClasses VirtualMachine.AllClasses
type AllClasses struct{}

func (AllClasses) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMAllClasses
}
func (AllClasses) Encode(*Writer) {}

type AllClassesReply struct {
	Classes []ClassInfo
}

func (a *AllClassesReply) Decode(r *Reader) {
	n := r.Count()
	a.Classes = make([]ClassInfo, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		a.Classes = append(a.Classes, ClassInfo{
			TypeTag:   r.TypeTag(),
			TypeID:    r.ReferenceTypeID(),
			Signature: r.String(),
			Status:    r.Int(),
		})
	}
}

// AllThreads VirtualMachine.AllThreads
type AllThreads struct{}

func (AllThreads) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMAllThreads
}
func (AllThreads) Encode(*Writer) {}

type AllThreadsReply struct {
	Threads []ThreadID
}

func (a *AllThreadsReply) Decode(r *Reader) {
	n := r.Count()
	a.Threads = make([]ThreadID, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		a.Threads = append(a.Threads, r.ThreadID())
	}
}

// Dispose VirtualMachine.Dispose
type Dispose struct{}

func (Dispose) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMDispose
}
func (Dispose) Encode(*Writer) {}

// GetIDSizes VirtualMachine.IDSizes，回复为IDSizes
type GetIDSizes struct{}

func (GetIDSizes) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMIDSizes
}
func (GetIDSizes) Encode(*Writer) {}

// SuspendVM VirtualMachine.Suspend
type SuspendVM struct{}

func (SuspendVM) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMSuspend
}
func (SuspendVM) Encode(*Writer) {}

// ResumeVM VirtualMachine.Resume
type ResumeVM struct{}

func (ResumeVM) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMResume
}
func (ResumeVM) Encode(*Writer) {}

// Exit VirtualMachine.Exit
type Exit struct {
	ExitCode int32
}

func (Exit) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMExit
}
func (x Exit) Encode(w *Writer) { w.Int(x.ExitCode) }

// CapabilitiesNew VirtualMachine.CapabilitiesNew，回复为Capabilities
type CapabilitiesNew struct{}

func (CapabilitiesNew) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMCapabilitiesNew
}
func (CapabilitiesNew) Encode(*Writer) {}

// Capabilities 目标虚拟机支持的能力，会话建立时获取一次
type Capabilities struct {
	CanWatchFieldModification        bool
	CanWatchFieldAccess              bool
	CanGetBytecodes                  bool
	CanGetSyntheticAttribute         bool
	CanGetOwnedMonitorInfo           bool
	CanGetCurrentContendedMonitor    bool
	CanGetMonitorInfo                bool
	CanRedefineClasses               bool
	CanAddMethod                     bool
	CanUnrestrictedlyRedefineClasses bool
	CanPopFrames                     bool
	CanUseInstanceFilters            bool
	CanGetSourceDebugExtension       bool
	CanRequestVMDeathEvent           bool
	CanSetDefaultStratum             bool
	CanGetInstanceInfo               bool
	CanRequestMonitorEvents          bool
	CanGetMonitorFrameInfo           bool
	CanUseSourceNameFilters          bool
	CanGetConstantPool               bool
	CanForceEarlyReturn              bool
	Reserved                         [11]bool
}

func (c *Capabilities) flags() []*bool {
	flags := []*bool{
		&c.CanWatchFieldModification,
		&c.CanWatchFieldAccess,
		&c.CanGetBytecodes,
		&c.CanGetSyntheticAttribute,
		&c.CanGetOwnedMonitorInfo,
		&c.CanGetCurrentContendedMonitor,
		&c.CanGetMonitorInfo,
		&c.CanRedefineClasses,
		&c.CanAddMethod,
		&c.CanUnrestrictedlyRedefineClasses,
		&c.CanPopFrames,
		&c.CanUseInstanceFilters,
		&c.CanGetSourceDebugExtension,
		&c.CanRequestVMDeathEvent,
		&c.CanSetDefaultStratum,
		&c.CanGetInstanceInfo,
		&c.CanRequestMonitorEvents,
		&c.CanGetMonitorFrameInfo,
		&c.CanUseSourceNameFilters,
		&c.CanGetConstantPool,
		&c.CanForceEarlyReturn,
	}
	for i := range c.Reserved {
		flags = append(flags, &c.Reserved[i])
	}
	return flags
}

func (c *Capabilities) Decode(r *Reader) {
	for _, f := range c.flags() {
		*f = r.Bool()
	}
}

func (c *Capabilities) Encode(w *Writer) {
	for _, f := range c.flags() {
		w.Bool(*f)
	}
}

// ClassDef 重定义类时提供的新字节码
type ClassDef struct {
	TypeID    ReferenceTypeID
	ClassFile []byte
}

// RedefineClasses VirtualMachine.RedefineClasses
type RedefineClasses struct {
	Classes []ClassDef
}

func (RedefineClasses) Code() (constants.CommandSet, uint8) {
	return constants.VirtualMachineSet, constants.VMRedefineClasses
}

func (c RedefineClasses) Encode(w *Writer) {
	w.Int(int32(len(c.Classes)))
	for _, def := range c.Classes {
		w.ReferenceTypeID(def.TypeID)
		w.ByteArray(def.ClassFile)
	}
}
