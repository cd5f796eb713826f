// Package middleware содержит HTTP middleware сервиса вознаграждений.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const telegramIDKey contextKey = "telegramID"

const (
	sessionCookieName = "session_token"
	sessionCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware проверяет подписанный cookie сессии и кладёт Telegram-идентификатор
// пользователя в контекст запроса.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: такие сессии не переживают перезапуск.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware отклоняет запросы без действительной сессии.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telegramID, ok := a.TelegramIDFromRequest(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), telegramIDKey, telegramID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TelegramIDFromRequest извлекает идентификатор из cookie сессии запроса.
// Используется и вне цепочки middleware, например при открытии веб-сокета.
func (a *AuthMiddleware) TelegramIDFromRequest(r *http.Request) (int64, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return 0, false
	}
	return a.parseCookie(cookie.Value)
}

// SetSessionCookie устанавливает cookie сессии для указанного пользователя.
func (a *AuthMiddleware) SetSessionCookie(w http.ResponseWriter, telegramID int64) {
	value := a.sign(strconv.FormatInt(telegramID, 10))

	cookie := &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(sessionCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	signature := mac.Sum(nil)
	return idStr + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (int64, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return 0, false
	}

	idStr := parts[0]
	signature := parts[1]

	expected := strings.Split(a.sign(idStr), ".")
	if len(expected) != 2 {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(expected[1])) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// GetTelegramIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetTelegramIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(telegramIDKey).(int64)
	return id, ok
}
