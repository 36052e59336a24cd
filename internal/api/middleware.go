package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/errors"
)

const ctxKeyUser = "veapi.user"

// authRequired resolves the bearer token to its session record and stores
// the user on the request context.
func (a *API) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			renderError(c, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("missing bearer token")))
			return
		}

		u, err := a.us.Authenticate(c.Request.Context(), token)
		if err != nil {
			renderError(c, err)
			return
		}

		c.Set(ctxKeyUser, *u)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}

	return strings.TrimSpace(token)
}

func currentUser(c *gin.Context) domain.User {
	u, _ := c.Get(ctxKeyUser)
	return u.(domain.User)
}
