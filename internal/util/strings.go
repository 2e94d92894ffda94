package util

import (
	"strings"
	"sync"
)

func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

// Ellipsis truncates s to maxLen runes adding "..." when truncated.
func Ellipsis(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

var strBldrPool = &sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(512)
		return sb
	},
}

func GetStringBuilder() *strings.Builder {
	return strBldrPool.Get().(*strings.Builder) //nolint:forcetypeassert
}

func FreeStringBuilder(sb *strings.Builder) {
	sb.Reset()
	strBldrPool.Put(sb)
}
