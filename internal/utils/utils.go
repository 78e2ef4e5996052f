package utils

import (
	"sync"

	"github.com/apex/log/handlers/cli"
)

var (
	normalPadding = cli.Default.Padding
	paddingMu     sync.Mutex
)

// Indent returns f logging at the given indent level. Concurrent indented
// lines are serialized so their padding never leaks into each other.
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		paddingMu.Lock()
		defer paddingMu.Unlock()
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}
