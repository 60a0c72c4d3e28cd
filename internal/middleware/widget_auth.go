package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nestchat-widget-go/pkg/token"
)

// WidgetAuthMiddleware 创建一个 Gin 中间件，用于挂件令牌认证。
// 它从请求头中提取挂件令牌，验证有效性，并把访客声明存入 Gin 的上下文中。
func WidgetAuthMiddleware(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从 Authorization 请求头中获取 token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "请求未包含授权头"})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
			return
		}

		// 将访客声明存入上下文，供后续处理函数使用
		c.Set("claims", claims)
		c.Next()
	}
}
