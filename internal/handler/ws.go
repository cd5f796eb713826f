package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mmeshcher/rewardbot-system/internal/model"
	"github.com/mmeshcher/rewardbot-system/internal/push"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS открывает веб-сокет и доставляет клиенту канонические снимки
// записи пользователя и обновления конфигурации рекламных сетей.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	telegramID, ok := h.authMiddleware.TelegramIDFromRequest(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := push.NewClient(telegramID, conn)
	h.hub.Register(client)

	// Обновления конфигурации рекламы приходят через общую подписку хаба
	// (BroadcastAdsConfig), индивидуальная подписка нужна только записи аккаунта.
	unsubAccount := h.service.SubscribeAccount(telegramID, func(a *model.UserAccount) {
		client.Send(push.Marshal(push.TypeAccount, a))
	})

	defer func() {
		unsubAccount()
		h.hub.Unregister(client)
		_ = conn.Close()
		client.Close()
	}()

	go client.WritePump()

	// Первым сообщением уходит текущий снимок: до него клиент живёт на
	// оптимистичных значениях.
	if account, err := h.service.Account(r.Context(), telegramID); err == nil {
		client.Send(push.Marshal(push.TypeHello, account))
	}
	if cfg, err := h.service.AdsConfig(r.Context()); err == nil {
		client.Send(push.Marshal(push.TypeAdsConfig, cfg))
	}

	// Цикл чтения держит соединение и отвечает на ping.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var inbound struct {
			Type string `json:"type"`
			Ts   int64  `json:"ts"`
		}
		if err := json.Unmarshal(msg, &inbound); err != nil {
			continue
		}
		if inbound.Type == "ping" {
			client.Send(push.Marshal(push.TypePong, map[string]int64{"ts": inbound.Ts}))
		}
	}
}

// BroadcastAdsConfig рассылает обновление конфигурации всем подключениям.
// Используется процессом, подписанным на конфигурационный фид хранилища.
func (h *Handler) BroadcastAdsConfig(cfg model.AdsConfig) {
	h.hub.Broadcast(push.Marshal(push.TypeAdsConfig, cfg))
}
