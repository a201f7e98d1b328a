package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// editorMiddleware требует токен с правом изменения каталога.
// Без Issuer изменения разрешены всем (локальный режим).
func (rs *RestServer) editorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rs.issuer == nil {
			c.Next()
			return
		}

		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Отсутствует или неверен токен авторизации",
			})
			return
		}

		claims, err := rs.issuer.Validate(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Недействительный токен",
			})
			return
		}
		if !claims.Editor {
			c.AbortWithStatusJSON(http.StatusForbidden, GenericResponse{
				Success: false,
				Message: "Недостаточно прав доступа",
			})
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}
