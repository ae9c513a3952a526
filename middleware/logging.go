package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"nx-bsd/ipc"
)

// Logging logs every dispatch with its command id, duration and outcome.
func Logging(logger *zap.Logger) Interceptor {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
			cmd, _ := ipc.Command(req.Raw())
			start := time.Now()
			resp, err := next(ctx, req)
			logger.Debug("dispatch",
				zap.Uint64("cmd", cmd),
				zap.Duration("took", time.Since(start)),
				zap.Error(err),
			)
			return resp, err
		}
	}
}
