package main

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fansqz/go-jdi/utils"
)

// breakpointBook 记录客户端按源文件和按方法设置的断点
// DAP每次只提交一个源文件的断点，调试器需要全部断点
type breakpointBook struct {
	mutex     sync.Mutex
	sources   map[string][]string
	functions []string
}

func newBreakpointBook() *breakpointBook {
	return &breakpointBook{sources: map[string][]string{}}
}

// SetSource 替换一个源文件的断点，返回全部断点
func (b *breakpointBook) SetSource(path string, specs []string) []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if len(specs) == 0 {
		delete(b.sources, path)
	} else {
		b.sources[path] = specs
	}
	return b.allLocked()
}

// SetFunctions 替换方法断点，返回全部断点
func (b *breakpointBook) SetFunctions(specs []string) []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.functions = specs
	return b.allLocked()
}

// allLocked 去重后的全部断点，源文件按路径排序
func (b *breakpointBook) allLocked() []string {
	paths := make([]string, 0, len(b.sources))
	for path := range b.sources {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var all []string
	for _, path := range paths {
		all = append(all, b.sources[path]...)
	}
	all = append(all, b.functions...)
	return utils.Distinct(all)
}

// classForSource 源文件路径转换为类名
// 路径在某个源文件根目录下时按相对路径转换，否则视为默认包中的类
func classForSource(path string, roots []string) string {
	path = filepath.Clean(path)
	rel := filepath.Base(path)
	for _, root := range roots {
		r, err := filepath.Rel(filepath.Clean(root), path)
		if err == nil && !strings.HasPrefix(r, "..") {
			rel = r
			break
		}
	}
	rel = strings.TrimSuffix(filepath.ToSlash(rel), ".java")
	return strings.ReplaceAll(rel, "/", ".")
}
