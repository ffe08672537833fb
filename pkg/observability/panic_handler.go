package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack. Call it
// deferred:
//
//	defer observability.RecoverPanic(logger, "reconcile worker")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by callback when a panic
// was recovered.
func RecoverPanicWithCallback(logger *Logger, where string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if callback != nil {
			callback(r)
		}
	}
}

// PanicError converts a recovered value to an error, nil when r is nil
func PanicError(r interface{}) error {
	if r == nil {
		return nil
	}
	return fmt.Errorf("panic: %v", r)
}

func logPanic(logger *Logger, where string, r interface{}) {
	if logger == nil {
		logger = NewLogger(ErrorLevel, nil)
	}
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
