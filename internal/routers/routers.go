package routers

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yamato-dev/linedesk/internal/handlers"
	"github.com/yamato-dev/linedesk/internal/middlewares"
)

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine,
	authHandler *handlers.AuthHandler,
	chatHandler *handlers.ChatHandler,
	scheduledHandler *handlers.ScheduledHandler,
	webhookHandler *handlers.WebhookHandler,
) {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(config))
	r.Use(middlewares.TraceMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"Status": "OK",
		})
	})

	// 网关回调 (签名校验代替 JWT，必须在认证中间件之外)
	r.POST("/webhook/line", webhookHandler.Handle)

	// 注册路由
	RegisterAuthRoutes(r, authHandler)
	RegisterChatRoutes(r, chatHandler)
	RegisterScheduledRoutes(r, scheduledHandler)
}

// AuthHandler 接口定义
func RegisterAuthRoutes(r *gin.Engine, authHandler *handlers.AuthHandler) {
	authGroup := r.Group("/api/v1/auth")
	{
		authGroup.POST("/register", authHandler.Register) // 注册
		authGroup.POST("/login", authHandler.Login)       // 登录
	}
}

// ChatHandler 接口定义
func RegisterChatRoutes(r *gin.Engine, chatHandler *handlers.ChatHandler) {
	chatGroup := r.Group("/api/v1")
	chatGroup.Use(middlewares.AuthMiddleware())
	{
		chatGroup.GET("/conversations", chatHandler.ListConversations) // 会话列表 (首屏)
		chatGroup.GET("/sync", chatHandler.Poll)                       // 轮询增量同步

		// 会话内操作
		chatGroup.POST("/conversations/:subject_id/messages", chatHandler.SendMessage)     // 发送消息
		chatGroup.GET("/conversations/:subject_id/messages", chatHandler.GetHistory)       // 历史翻页
		chatGroup.GET("/conversations/:subject_id/messages/around", chatHandler.GetAround) // 引用上下文
		chatGroup.POST("/conversations/:subject_id/read", chatHandler.MarkRead)            // 标记已读
		chatGroup.POST("/conversations/:subject_id/typing", chatHandler.Typing)            // 输入中指示
	}
}

// ScheduledHandler 接口定义
func RegisterScheduledRoutes(r *gin.Engine, scheduledHandler *handlers.ScheduledHandler) {
	scheduledGroup := r.Group("/api/v1/scheduled")
	scheduledGroup.Use(middlewares.AuthMiddleware())
	{
		scheduledGroup.POST("", scheduledHandler.Create)              // 创建预约消息
		scheduledGroup.GET("", scheduledHandler.List)                 // 按会话列出
		scheduledGroup.GET("/:id", scheduledHandler.Get)              // 详情 + 最近执行
		scheduledGroup.PUT("/:id", scheduledHandler.Update)           // 修改
		scheduledGroup.DELETE("/:id", scheduledHandler.Delete)        // 删除
		scheduledGroup.POST("/:id/trigger", scheduledHandler.Trigger) // 立即触发
	}
}
