// Package push рассылает подключённым клиентам канонические снимки аккаунтов
// и обновления конфигурации по веб-сокету.
package push

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Типы исходящих сообщений.
const (
	TypeHello     = "hello"
	TypeAccount   = "account"
	TypeAdsConfig = "ads_config"
	TypePong      = "pong"
)

// Message — конверт исходящего сообщения.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Marshal кодирует конверт; ошибки кодирования доменных типов невозможны.
func Marshal(msgType string, data any) []byte {
	raw, _ := json.Marshal(Message{Type: msgType, Data: data})
	return raw
}

// Client — одно веб-сокет-подключение пользователя. Отправка идёт через
// буферизованный канал; переполненный буфер означает отставшего клиента,
// его сообщения отбрасываются, актуальный снимок он получит со следующим push.
type Client struct {
	TelegramID int64
	Conn       *websocket.Conn
	SendCh     chan []byte

	mu     sync.Mutex
	closed bool
}

// NewClient оборачивает соединение в клиента с буфером отправки.
func NewClient(telegramID int64, conn *websocket.Conn) *Client {
	return &Client{
		TelegramID: telegramID,
		Conn:       conn,
		SendCh:     make(chan []byte, 32),
	}
}

// Send ставит сообщение в очередь отправки без блокировки. Хранилище может
// доставить снимок уже после снятия подписки, поэтому отправка в закрытого
// клиента — не ошибка, сообщение молча отбрасывается.
func (c *Client) Send(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.SendCh <- payload:
	default:
	}
}

// Close помечает клиента закрытым и завершает очередь отправки.
// Повторный вызов безопасен.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.SendCh)
}

// WritePump последовательно пишет сообщения из очереди в соединение.
// Завершается при закрытии канала или ошибке записи.
func (c *Client) WritePump() {
	for msg := range c.SendCh {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub хранит активные подключения по идентификатору пользователя.
// Один пользователь может держать несколько подключений одновременно.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]bool
}

// NewHub создаёт пустой реестр подключений.
func NewHub() *Hub {
	return &Hub{clients: make(map[int64]map[*Client]bool)}
}

// Register добавляет подключение в реестр.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.TelegramID] == nil {
		h.clients[client.TelegramID] = make(map[*Client]bool)
	}
	h.clients[client.TelegramID][client] = true
}

// Unregister убирает подключение из реестра.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.TelegramID] != nil {
		delete(h.clients[client.TelegramID], client)
		if len(h.clients[client.TelegramID]) == 0 {
			delete(h.clients, client.TelegramID)
		}
	}
}

// SendToUser доставляет сообщение во все подключения пользователя.
func (h *Hub) SendToUser(telegramID int64, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[telegramID] {
		client.Send(payload)
	}
}

// Broadcast доставляет сообщение во все активные подключения.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.clients {
		for client := range set {
			client.Send(payload)
		}
	}
}

// OnlineCount возвращает число пользователей хотя бы с одним подключением.
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
