package utils

import (
	"github.com/emirpasic/gods/sets"
	"github.com/emirpasic/gods/sets/hashset"
)

// List2set 列表转为集合，用于断点的增删比较
func List2set[T any](list []T) sets.Set {
	set := hashset.New()
	for _, value := range list {
		set.Add(value)
	}
	return set
}

// Distinct 去掉重复元素，保留第一次出现的顺序
func Distinct[T comparable](list []T) []T {
	seen := hashset.New()
	answer := make([]T, 0, len(list))
	for _, value := range list {
		if !seen.Contains(value) {
			seen.Add(value)
			answer = append(answer, value)
		}
	}
	return answer
}
