package lifecycle

import "go.uber.org/zap"

// Go runs fn detached from the caller. Panics are recovered and logged so a
// failing continuation (durable write, bridge job) can never take down the
// dispatch path.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("detached task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
}
