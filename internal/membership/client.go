// Package membership предоставляет клиент внешнего сервиса проверки
// членства в Telegram-каналах.
package membership

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotConfigured возвращается, если адрес сервиса проверки не задан.
var ErrNotConfigured = errors.New("membership checker not configured")

// Client инкапсулирует HTTP-взаимодействие с сервисом проверки членства.
// Запросы повторяются при сетевых сбоях; тайм-аут задан явно.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент для обращения к сервису проверки по указанному адресу.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

type checkRequest struct {
	UserID   int64  `json:"userId"`
	Channel  string `json:"channel"`
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
}

type checkResponse struct {
	Success  bool   `json:"success"`
	IsMember bool   `json:"isMember"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) url(path string) string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + path
}

// CheckMembership спрашивает у внешнего сервиса, состоит ли пользователь
// в указанном канале.
func (c *Client) CheckMembership(ctx context.Context, userID int64, channel, taskID, taskName string) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, ErrNotConfigured
	}

	body, err := json.Marshal(checkRequest{
		UserID:   userID,
		Channel:  channel,
		TaskID:   taskID,
		TaskName: taskName,
	})
	if err != nil {
		return false, fmt.Errorf("encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.url("/api/telegram/check-membership"), bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("membership check returned status %d", resp.StatusCode)
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	if !out.Success {
		if out.Error != "" {
			return false, fmt.Errorf("membership check failed: %s", out.Error)
		}
		return false, errors.New("membership check failed")
	}

	return out.IsMember, nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// Healthy опрашивает пробу доступности сервиса. Результат носит
// справочный характер и не блокирует пути начисления наград.
func (c *Client) Healthy(ctx context.Context) bool {
	if c == nil || c.baseURL == "" {
		return false
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/health"), nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	return out.Status == "healthy"
}
