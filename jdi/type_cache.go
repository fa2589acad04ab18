package jdi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/fansqz/go-jdi/constants"
	e "github.com/fansqz/go-jdi/error"
	"github.com/fansqz/go-jdi/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxLineTableFetches 并发获取行号表的上限
const maxLineTableFetches = 8

// LineTable 方法的行号表
type LineTable struct {
	Start   uint64
	End     uint64
	Entries []protocol.LineEntry
	// index 字节码下标到行号，用于按下标向下取整查找
	index *treemap.Map
}

func newLineTable(reply *protocol.LineTableReply) *LineTable {
	index := treemap.NewWith(utils.UInt64Comparator)
	for _, entry := range reply.Lines {
		index.Put(entry.CodeIndex, entry.Line)
	}
	return &LineTable{
		Start:   reply.Start,
		End:     reply.End,
		Entries: reply.Lines,
		index:   index,
	}
}

// Contains 下标是否在方法的字节码范围内
func (l *LineTable) Contains(codeIndex uint64) bool {
	return codeIndex >= l.Start && codeIndex <= l.End
}

// LineAt 字节码下标对应的源码行
func (l *LineTable) LineAt(codeIndex uint64) (int32, bool) {
	if !l.Contains(codeIndex) {
		return 0, false
	}
	_, line := l.index.Floor(codeIndex)
	if line == nil {
		return 0, false
	}
	return line.(int32), true
}

// IndexOf 某一行第一条指令的下标
func (l *LineTable) IndexOf(line int32) (uint64, bool) {
	found := false
	var best uint64
	for _, entry := range l.Entries {
		if entry.Line == line && (!found || entry.CodeIndex < best) {
			best = entry.CodeIndex
			found = true
		}
	}
	return best, found
}

// MethodMetadata 方法信息，Lines为nil表示没有行号信息(本地方法或编译时未保留)
type MethodMetadata struct {
	protocol.MethodInfo
	Lines *LineTable
}

// ReferenceTypeMetadata 引用类型的元数据，填充后不再修改
type ReferenceTypeMetadata struct {
	TypeID    protocol.ReferenceTypeID
	TypeTag   constants.TypeTag
	Signature string
	Methods   []*MethodMetadata
	Fields    []protocol.FieldInfo
}

// Name 类型的Java名称
func (m *ReferenceTypeMetadata) Name() string {
	return SignatureToName(m.Signature)
}

func (m *ReferenceTypeMetadata) Method(id protocol.MethodID) (*MethodMetadata, bool) {
	for _, method := range m.Methods {
		if method.MethodID == id {
			return method, true
		}
	}
	return nil, false
}

func (m *ReferenceTypeMetadata) MethodsByName(name string) []*MethodMetadata {
	var methods []*MethodMetadata
	for _, method := range m.Methods {
		if method.Name == name {
			methods = append(methods, method)
		}
	}
	return methods
}

func (m *ReferenceTypeMetadata) Field(name string) (protocol.FieldInfo, bool) {
	for _, field := range m.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return protocol.FieldInfo{}, false
}

func (m *ReferenceTypeMetadata) location(method *MethodMetadata, index uint64) protocol.Location {
	return protocol.Location{TypeTag: m.TypeTag, Class: m.TypeID, Method: method.MethodID, Index: index}
}

// LocationOfLine 源码行对应的位置，取所有方法中下标最小的一处
func (m *ReferenceTypeMetadata) LocationOfLine(line int32) (protocol.Location, error) {
	for _, method := range m.Methods {
		if method.Lines == nil {
			continue
		}
		if index, ok := method.Lines.IndexOf(line); ok {
			return m.location(method, index), nil
		}
	}
	return protocol.Location{}, fmt.Errorf("%w: no code at %s:%d", e.ErrInvalidLocation, m.Name(), line)
}

// LocationOfMethod 方法第一条指令的位置
func (m *ReferenceTypeMetadata) LocationOfMethod(name string) (protocol.Location, error) {
	for _, method := range m.MethodsByName(name) {
		if method.IsNative() {
			continue
		}
		if method.Lines != nil {
			return m.location(method, method.Lines.Start), nil
		}
		return m.location(method, 0), nil
	}
	return protocol.Location{}, fmt.Errorf("%w: no method %s.%s", e.ErrInvalidLocation, m.Name(), name)
}

// ValidateLocation 检查位置是否能解析到该类型的某个方法
func (m *ReferenceTypeMetadata) ValidateLocation(loc protocol.Location) error {
	method, ok := m.Method(loc.Method)
	if !ok {
		return fmt.Errorf("%w: unknown method %d in %s", e.ErrInvalidLocation, loc.Method, m.Name())
	}
	if method.IsNative() {
		return fmt.Errorf("%w: native method %s.%s", e.ErrInvalidLocation, m.Name(), method.Name)
	}
	if method.Lines != nil && !method.Lines.Contains(loc.Index) {
		return fmt.Errorf("%w: index %d outside %s.%s", e.ErrInvalidLocation, loc.Index, m.Name(), method.Name)
	}
	return nil
}

type variableKey struct {
	typeID   protocol.ReferenceTypeID
	methodID protocol.MethodID
}

// TypeCache 引用类型元数据缓存
// 同一类型的并发首次访问只会产生一次获取，类重定义或卸载时失效
type TypeCache struct {
	cmd   Commander
	log   *logrus.Entry
	group singleflight.Group

	mu         sync.RWMutex
	generation uint64
	entries    map[protocol.ReferenceTypeID]*ReferenceTypeMetadata
	epochs     map[protocol.ReferenceTypeID]uint64
	tags       map[protocol.ReferenceTypeID]constants.TypeTag
	signatures map[protocol.ReferenceTypeID]string
	variables  map[variableKey]*protocol.VariableTableReply
}

func NewTypeCache(cmd Commander, log *logrus.Entry) *TypeCache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TypeCache{
		cmd:        cmd,
		log:        log,
		entries:    map[protocol.ReferenceTypeID]*ReferenceTypeMetadata{},
		epochs:     map[protocol.ReferenceTypeID]uint64{},
		tags:       map[protocol.ReferenceTypeID]constants.TypeTag{},
		signatures: map[protocol.ReferenceTypeID]string{},
		variables:  map[variableKey]*protocol.VariableTableReply{},
	}
}

// Note 记录已知的类型种类和签名，来自ClassPrepare或类列表
func (c *TypeCache) Note(tag constants.TypeTag, id protocol.ReferenceTypeID, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != 0 {
		c.tags[id] = tag
	}
	if signature != "" {
		c.signatures[id] = signature
	}
}

// Mirror 返回类型的句柄
func (c *TypeCache) Mirror(tag constants.TypeTag, id protocol.ReferenceTypeID) *ReferenceTypeMirror {
	c.Note(tag, id, "")
	return &ReferenceTypeMirror{cache: c, id: id, tag: tag}
}

// Peek 不触发获取，只查看缓存
func (c *TypeCache) Peek(id protocol.ReferenceTypeID) (*ReferenceTypeMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entries[id]
	return m, ok
}

// MetadataFor 获取类型元数据，首次访问时从目标虚拟机获取
func (c *TypeCache) MetadataFor(ctx context.Context, id protocol.ReferenceTypeID) (*ReferenceTypeMetadata, error) {
	c.mu.RLock()
	if m, ok := c.entries[id]; ok {
		c.mu.RUnlock()
		return m, nil
	}
	gen, epoch := c.generation, c.epochs[id]
	c.mu.RUnlock()

	// 获取过程不随单个调用方取消，其他等待者仍需要结果
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("type/%d/%d/%d", gen, id, epoch), func() (interface{}, error) {
		// 上一次获取可能在未命中之后、进入DoChan之前刚刚完成
		if m, ok := c.Peek(id); ok {
			return m, nil
		}
		m, err := c.fetch(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen && c.epochs[id] == epoch {
			c.entries[id] = m
		}
		c.mu.Unlock()
		return m, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ReferenceTypeMetadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *TypeCache) fetch(ctx context.Context, id protocol.ReferenceTypeID) (*ReferenceTypeMetadata, error) {
	c.log.Debugf("[TypeCache] fetch type %d", id)
	signature := &protocol.StringReply{}
	fields := &protocol.FieldsReply{}
	methods := &protocol.MethodsReply{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.cmd.Call(gctx, protocol.Signature{Type: id}, signature) })
	g.Go(func() error { return c.cmd.Call(gctx, protocol.Fields{Type: id}, fields) })
	g.Go(func() error { return c.cmd.Call(gctx, protocol.Methods{Type: id}, methods) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	tag, ok := c.tags[id]
	c.mu.RUnlock()
	if !ok {
		tag = constants.TypeTagClass
	}
	m := &ReferenceTypeMetadata{
		TypeID:    id,
		TypeTag:   tag,
		Signature: signature.Value,
		Fields:    fields.Fields,
		Methods:   make([]*MethodMetadata, 0, len(methods.Methods)),
	}
	for _, info := range methods.Methods {
		m.Methods = append(m.Methods, &MethodMetadata{MethodInfo: info})
	}

	lg, lctx := errgroup.WithContext(ctx)
	lg.SetLimit(maxLineTableFetches)
	for _, method := range m.Methods {
		if method.IsNative() {
			continue
		}
		method := method
		lg.Go(func() error {
			reply := &protocol.LineTableReply{}
			err := c.cmd.Call(lctx, protocol.LineTable{Type: id, Method: method.MethodID}, reply)
			if e.IsRemote(err, constants.ErrAbsentInformation, constants.ErrNativeMethod) {
				return nil
			}
			if err != nil {
				return err
			}
			method.Lines = newLineTable(reply)
			return nil
		})
	}
	if err := lg.Wait(); err != nil {
		return nil, err
	}
	c.Note(tag, id, m.Signature)
	return m, nil
}

// Variables 方法的局部变量表，没有调试信息时返回ABSENT_INFORMATION错误
func (c *TypeCache) Variables(ctx context.Context, typeID protocol.ReferenceTypeID, methodID protocol.MethodID) (*protocol.VariableTableReply, error) {
	key := variableKey{typeID, methodID}
	if v, ok := c.cachedVariables(key); ok {
		return v, nil
	}
	c.mu.RLock()
	gen, epoch := c.generation, c.epochs[typeID]
	c.mu.RUnlock()

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(fmt.Sprintf("vars/%d/%d/%d/%d", gen, typeID, methodID, epoch), func() (interface{}, error) {
		if v, ok := c.cachedVariables(key); ok {
			return v, nil
		}
		reply := &protocol.VariableTableReply{}
		if err := c.cmd.Call(fetchCtx, protocol.VariableTable{Type: typeID, Method: methodID}, reply); err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen && c.epochs[typeID] == epoch {
			c.variables[key] = reply
		}
		c.mu.Unlock()
		return reply, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*protocol.VariableTableReply), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *TypeCache) cachedVariables(key variableKey) (*protocol.VariableTableReply, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	return v, ok
}

// Invalidate 使类型的缓存失效，下次访问重新获取
func (c *TypeCache) Invalidate(id protocol.ReferenceTypeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(id)
}

func (c *TypeCache) invalidateLocked(id protocol.ReferenceTypeID) {
	delete(c.entries, id)
	c.epochs[id]++
	for key := range c.variables {
		if key.typeID == id {
			delete(c.variables, key)
		}
	}
}

// InvalidateSignature 类卸载时按签名使缓存失效
func (c *TypeCache) InvalidateSignature(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sig := range c.signatures {
		if sig == signature {
			c.invalidateLocked(id)
			delete(c.signatures, id)
			delete(c.tags, id)
		}
	}
	for id, m := range c.entries {
		if m.Signature == signature {
			c.invalidateLocked(id)
		}
	}
}

// Reset 会话结束时清空缓存，进行中的获取结果不再写入
func (c *TypeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.entries = map[protocol.ReferenceTypeID]*ReferenceTypeMetadata{}
	c.variables = map[variableKey]*protocol.VariableTableReply{}
}

// ObserveEvent 记录新加载的类型，类卸载时失效
func (c *TypeCache) ObserveEvent(_ constants.SuspendPolicy, ev protocol.Event) {
	switch ev := ev.(type) {
	case *protocol.ClassPrepareEvent:
		c.Note(ev.TypeTag, ev.TypeID, ev.Signature)
	case *protocol.ClassUnloadEvent:
		c.log.Debugf("[TypeCache] class unloaded %s", ev.Signature)
		c.InvalidateSignature(ev.Signature)
	}
}

// ReferenceTypeMirror 引用类型的本地句柄
type ReferenceTypeMirror struct {
	cache *TypeCache
	id    protocol.ReferenceTypeID
	tag   constants.TypeTag
}

func (r *ReferenceTypeMirror) ID() protocol.ReferenceTypeID {
	return r.id
}

func (r *ReferenceTypeMirror) Tag() constants.TypeTag {
	return r.tag
}

func (r *ReferenceTypeMirror) Metadata(ctx context.Context) (*ReferenceTypeMetadata, error) {
	return r.cache.MetadataFor(ctx, r.id)
}

// Name 类型的Java名称
func (r *ReferenceTypeMirror) Name(ctx context.Context) (string, error) {
	m, err := r.Metadata(ctx)
	if err != nil {
		return "", err
	}
	return m.Name(), nil
}

// SignatureToName 把JNI签名转换为Java名称，例如Ljava/lang/String;转为java.lang.String
func SignatureToName(signature string) string {
	dims := 0
	for strings.HasPrefix(signature, "[") {
		dims++
		signature = signature[1:]
	}
	var name string
	switch {
	case strings.HasPrefix(signature, "L") && strings.HasSuffix(signature, ";"):
		name = strings.ReplaceAll(signature[1:len(signature)-1], "/", ".")
	case len(signature) == 1:
		name = primitiveNames[signature[0]]
	default:
		name = signature
	}
	return name + strings.Repeat("[]", dims)
}

// NameToSignature 把Java类名转换为JNI签名
func NameToSignature(name string) string {
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}

var primitiveNames = map[byte]string{
	'B': "byte",
	'C': "char",
	'D': "double",
	'F': "float",
	'I': "int",
	'J': "long",
	'S': "short",
	'V': "void",
	'Z': "boolean",
}
