package middlewares

import (
	"github.com/gin-gonic/gin"

	logger "github.com/yamato-dev/linedesk/middleware/log"
)

// TraceMiddleware 请求追踪中间件
// 为每个请求注入 trace_id，写入请求 context 和响应头。
// 客户端传了 X-Request-ID 时沿用它，方便跨服务关联日志。
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logger.WithTraceID(c.Request.Context(), c.GetHeader("X-Request-ID"))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", logger.GetTraceID(ctx))
		c.Next()
	}
}
