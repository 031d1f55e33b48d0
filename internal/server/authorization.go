package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	disputedomain "github.com/smallbiznis/arbiter/internal/dispute/domain"
	obscontext "github.com/smallbiznis/arbiter/internal/observability/context"
	"golang.org/x/crypto/bcrypt"
)

const (
	HeaderUserID      = "X-User-ID"
	HeaderSystemToken = "X-System-Token"
	contextActorKey   = "actor"
)

// PartyRequired resolves the calling booking party from the gateway header.
// Whether that user is a party to the dispute is decided by the service.
func (s *Server) PartyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		s.setActor(c, disputedomain.UserActor(userID))
		c.Next()
	}
}

// SystemRequired admits internal callers presenting the system token.
func (s *Server) SystemRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.validSystemToken(c.GetHeader(HeaderSystemToken)) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		s.setActor(c, disputedomain.SystemActor())
		c.Next()
	}
}

// PartyOrSystem accepts either credential; the system token wins when both are sent.
func (s *Server) PartyOrSystem() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.GetHeader(HeaderSystemToken); token != "" {
			if !s.validSystemToken(token) {
				AbortWithError(c, ErrUnauthorized)
				return
			}
			s.setActor(c, disputedomain.SystemActor())
			c.Next()
			return
		}
		s.PartyRequired()(c)
	}
}

func (s *Server) validSystemToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" || s.systemTokenHash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.systemTokenHash, []byte(token)) == nil
}

func (s *Server) setActor(c *gin.Context, actor disputedomain.Actor) {
	c.Set(contextActorKey, actor)
	ctx := obscontext.WithActor(c.Request.Context(), actor.Type, actor.ID)
	c.Request = c.Request.WithContext(ctx)
}

func actorFromContext(c *gin.Context) (disputedomain.Actor, bool) {
	value, ok := c.Get(contextActorKey)
	if !ok {
		return disputedomain.Actor{}, false
	}
	actor, ok := value.(disputedomain.Actor)
	return actor, ok
}

// mustActor returns the resolved actor or aborts the request.
func mustActor(c *gin.Context) (disputedomain.Actor, bool) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
	}
	return actor, ok
}
