package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ecmavm.vm")

// FatalError is the panic payload raised by Fatalf. It marks a contract
// violation (unknown frame type, wrong frame kind for an accessor, corrupt
// stack) that must stop the VM instead of being handled as a result.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Message
}

// Fatalf logs the message at critical level and aborts the current
// goroutine by panicking with a *FatalError. It never returns.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic(&FatalError{Message: msg})
}

// IsFatal reports whether a recovered panic value came from Fatalf.
func IsFatal(r any) bool {
	_, ok := r.(*FatalError)
	return ok
}
