package java_debugger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fansqz/go-jdi/constants"
	. "github.com/fansqz/go-jdi/debugger"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/jdi"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/sirupsen/logrus"
)

// maxStringLen 字符串变量展示的最大长度
const maxStringLen = 512

// sourcePath 由类型签名推断源文件路径，内部类归属外部类的源文件
func sourcePath(signature string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(signature, "L"), ";")
	if i := strings.Index(name, "$"); i >= 0 {
		name = name[:i]
	}
	return name + ".java"
}

// position 位置对应的源文件和行号，没有行号信息时行号为0
func (j *JavaDebugger) position(ctx context.Context, loc protocol.Location) (string, int) {
	md, err := j.session.MetadataFor(ctx, loc.Class)
	if err != nil {
		logrus.Warnf("[JavaDebugger] metadata of %d fail, err = %v", loc.Class, err)
		return "", 0
	}
	method, ok := md.Method(loc.Method)
	if !ok || method.Lines == nil {
		return sourcePath(md.Signature), 0
	}
	line, _ := method.Lines.LineAt(loc.Index)
	return sourcePath(md.Signature), int(line)
}

// frameName 类名.方法名
func (j *JavaDebugger) frameName(ctx context.Context, loc protocol.Location) string {
	md, err := j.session.MetadataFor(ctx, loc.Class)
	if err != nil {
		return fmt.Sprintf("<unknown %d>", loc.Class)
	}
	if method, ok := md.Method(loc.Method); ok {
		return md.Name() + "." + method.Name
	}
	return md.Name()
}

// tagOf 局部变量签名对应的值标签
func tagOf(signature string) constants.Tag {
	if signature == "" {
		return constants.TagObject
	}
	switch signature[0] {
	case 'L':
		if signature == "Ljava/lang/String;" {
			return constants.TagString
		}
		return constants.TagObject
	case '[':
		return constants.TagArray
	}
	return constants.Tag(signature[0])
}

// localVariables 栈帧当前位置可见的局部变量
func (j *JavaDebugger) localVariables(ctx context.Context, frame *jdi.StackFrame) ([]*Variable, error) {
	loc, err := frame.Location()
	if err != nil {
		return nil, err
	}
	table, err := j.session.Types().Variables(ctx, loc.Class, loc.Method)
	if err != nil {
		// 没有调试信息或者是本地方法
		if e.IsRemote(err, constants.ErrAbsentInformation, constants.ErrNativeMethod) {
			return []*Variable{}, nil
		}
		return nil, err
	}
	var visible []protocol.VariableSlot
	for _, slot := range table.Slots {
		if slot.VisibleAt(loc.Index) {
			visible = append(visible, slot)
		}
	}
	if len(visible) == 0 {
		return []*Variable{}, nil
	}
	slots := make([]protocol.SlotRequest, len(visible))
	for i, slot := range visible {
		slots[i] = protocol.SlotRequest{Slot: slot.Slot, Tag: tagOf(slot.Signature)}
	}
	values, err := frame.GetValues(ctx, slots)
	if err != nil {
		return nil, err
	}
	answer := make([]*Variable, 0, len(values))
	for i, v := range values {
		answer = append(answer, j.variable(ctx, visible[i].Name, jdi.SignatureToName(visible[i].Signature), v))
	}
	return answer, nil
}

// thisVariables this作用域只展示对象本身
func (j *JavaDebugger) thisVariables(ctx context.Context, this *jdi.ObjectMirror) ([]*Variable, error) {
	rt, err := this.ReferenceType(ctx)
	if err != nil {
		return nil, err
	}
	name, err := rt.Name(ctx)
	if err != nil {
		return nil, err
	}
	return []*Variable{{
		Name:  "this",
		Type:  name,
		Value: fmt.Sprintf("%s@%d", name, this.ID()),
	}}, nil
}

// variable 把一个值转换为展示用的变量，字符串读取内容，其他对象只展示类型和id
func (j *JavaDebugger) variable(ctx context.Context, name, typ string, v protocol.Value) *Variable {
	answer := &Variable{Name: name, Type: typ}
	switch {
	case v.IsNull():
		answer.Value = "null"
	case v.Tag == constants.TagString:
		answer.Value = j.stringValue(ctx, v)
	case v.IsObject():
		answer.Value = fmt.Sprintf("%s@%d", typ, v.Object)
	default:
		answer.Value = v.String()
	}
	return answer
}

func (j *JavaDebugger) stringValue(ctx context.Context, v protocol.Value) string {
	mirror, err := j.session.Acquire(ctx, v.TaggedObject())
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	defer func() { _ = mirror.Release(ctx) }()
	s, err := mirror.StringValue(ctx)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	if len(s) > maxStringLen {
		s = s[:maxStringLen] + "..."
	}
	return strconv.Quote(s)
}
