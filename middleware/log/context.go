package logger

import (
	"context"

	"github.com/google/uuid"
)

// WithTraceID 把 trace_id 写入 context；为空时自动生成
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID 从 context 读取 trace_id；没有时返回空串
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}
