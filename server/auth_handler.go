package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"partyroom/core/auth"
)

type ctxKey string

const (
	ctxKeyUserID   ctxKey = "userID"
	ctxKeyUsername ctxKey = "username"
	ctxKeyReqID    ctxKey = "requestID"

	headerRequestID = "X-Request-ID"
)

// TokenParser 校验访问令牌，*auth.TokenManager 实现了它
type TokenParser interface {
	ParseToken(token string) (*auth.Claims, error)
}

// AuthMiddleware 校验 Bearer token；浏览器发起 WebSocket 升级时无法带请求头，也接受 ?token=
func AuthMiddleware(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeMessage(w, http.StatusUnauthorized, "authorization is required")
				return
			}
			claims, err := tokens.ParseToken(token)
			if err != nil {
				writeMessage(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
			ctx = context.WithValue(ctx, ctxKeyUsername, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// UserFromContext 取出认证后的用户
func UserFromContext(ctx context.Context) (int64, string, bool) {
	userID, ok := ctx.Value(ctxKeyUserID).(int64)
	if !ok {
		return 0, "", false
	}
	username, _ := ctx.Value(ctxKeyUsername).(string)
	return userID, username, true
}

// RequestIDMiddleware 透传或生成 X-Request-ID
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyReqID, reqID)))
	})
}

// RequestIDFrom 请求ID，没有时为空
func RequestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyReqID).(string)
	return v
}
