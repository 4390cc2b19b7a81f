package kerrors

import (
	"fmt"

	"github.com/dplanitzer/serena-core/klog"
)

// Fatal reports a kernel invariant violation: unlock (or condvar wait)
// by a non-owner, relock by the owner when the deadlock check is on,
// double free, or freeing a foreign pointer. Deinit of a non-empty
// wait queue is not fatal here; it returns ErrInvalid. These
// conditions are kernel bugs, not recoverable error conditions: Fatal
// logs a structured event through klog and then panics. A real boot
// of this substrate onto hardware would halt or reboot instead; a Go
// process can only terminate with a diagnosable stack, which is what
// panic gives us here.
func Fatal(reason string, fields map[string]any) {
	klog.Global().Fatal(reason, fields)
	panic(fmt.Sprintf("kernel: fatal: %s", reason))
}
