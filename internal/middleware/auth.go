// Package middleware содержит HTTP middleware для сервиса лояльности.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/mmeshcher/loyalty-engine/internal/validation"
)

type contextKey string

const tenantIDKey contextKey = "tenantID"

const (
	bearerPrefix   = "Bearer "
	adminKeyHeader = "X-Admin-Key"
)

// TenantAuth проверяет подписанный токен арендатора вида <tenantID>.<hmac-sha256>.
type TenantAuth struct {
	secretKey []byte
}

// NewTenantAuth создаёт TenantAuth с указанным секретом. При пустом секрете
// генерируется случайный ключ, и токены действуют до перезапуска процесса.
func NewTenantAuth(secret string) *TenantAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &TenantAuth{
		secretKey: key,
	}
}

// Middleware проверяет заголовок Authorization и добавляет идентификатор арендатора в контекст запроса.
func (a *TenantAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		tenantID, ok := a.ParseToken(strings.TrimPrefix(header, bearerPrefix))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SignTenant возвращает токен доступа арендатора.
func (a *TenantAuth) SignTenant(tenantID string) string {
	return tenantID + "." + hex.EncodeToString(a.signature(tenantID))
}

// ParseToken проверяет подпись токена и возвращает идентификатор арендатора.
func (a *TenantAuth) ParseToken(token string) (string, bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 {
		return "", false
	}

	tenantID := token[:i]
	signature, err := hex.DecodeString(token[i+1:])
	if err != nil {
		return "", false
	}

	if !hmac.Equal(signature, a.signature(tenantID)) {
		return "", false
	}
	if !validation.IsValidIdentifier(tenantID) {
		return "", false
	}

	return tenantID, true
}

func (a *TenantAuth) signature(tenantID string) []byte {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(tenantID))
	return mac.Sum(nil)
}

// GetTenantIDFromContext извлекает идентификатор арендатора из контекста запроса.
func GetTenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey).(string)
	return id, ok
}

// WithTenantID возвращает контекст с идентификатором арендатора.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// AdminKey пропускает только запросы с заголовком X-Admin-Key, равным key.
// При пустом key административные запросы запрещены.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(adminKeyHeader)
			if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
