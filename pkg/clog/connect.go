package clog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

func DefaultConnectHealthCheckUnaryFilter(spec connect.Spec) bool {
	return spec.Procedure != "/grpc.health.v1.Health/Check"
}

// NewSlogConnectUnaryInterceptor logs one line per unary call. Calls for
// which filter returns false are not logged.
func NewSlogConnectUnaryInterceptor(filter func(connect.Spec) bool) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			startTime := time.Now()
			ctx = ContextWithSlog(ctx)
			AddAttributes(ctx, map[string]any{
				"method":    req.HTTPMethod(),
				"procedure": req.Spec().Procedure,
			})
			resp, err := next(ctx, req)
			if filter != nil && !filter(req.Spec()) {
				return resp, err
			}
			code := connect.Code(0)
			codeStr := "ok"
			if err != nil {
				var cErr *connect.Error
				if !errors.As(err, &cErr) {
					cErr = connect.NewError(connect.CodeUnknown, err)
				}
				code = cErr.Code()
				codeStr = code.String()
				AddError(ctx, err)
			}
			AddAttributes(ctx, map[string]any{
				"code":     codeStr,
				"duration": time.Since(startTime),
			})
			slog.Log(ctx, ConnectCodeToLevel(code).Slog(), "Finished")
			return resp, err
		}
	}
}
