// Package handler содержит HTTP-обработчики API сервиса вознаграждений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/rewardbot-system/internal/adwatch"
	"github.com/mmeshcher/rewardbot-system/internal/dwell"
	"github.com/mmeshcher/rewardbot-system/internal/middleware"
	"github.com/mmeshcher/rewardbot-system/internal/model"
	"github.com/mmeshcher/rewardbot-system/internal/push"
	"github.com/mmeshcher/rewardbot-system/internal/ratelimit"
	"github.com/mmeshcher/rewardbot-system/internal/service"
	"github.com/mmeshcher/rewardbot-system/internal/store"
	"github.com/mmeshcher/rewardbot-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnsureAccount(ctx context.Context, p service.Profile, referrerID int64) (*model.UserAccount, bool, error)
	Account(ctx context.Context, telegramID int64) (*model.UserAccount, error)
	AdsConfig(ctx context.Context) (model.AdsConfig, error)
	AdStatus(ctx context.Context, telegramID int64) (map[model.Provider]ratelimit.Decision, error)
	WatchAd(ctx context.Context, telegramID int64, p model.Provider) (*model.UserAccount, error)

	Tasks(ctx context.Context) ([]model.TaskDescriptor, error)
	Task(ctx context.Context, taskID string) (*model.TaskDescriptor, error)
	StartTask(ctx context.Context, telegramID int64, taskID string) (dwell.Status, error)
	TaskStatus(telegramID int64, taskID string) (dwell.Status, bool)
	CancelTask(telegramID int64, taskID string)
	ReportForeground(telegramID int64, taskID string) (dwell.Status, bool)
	ClaimDirectTask(ctx context.Context, telegramID int64, taskID string) (*model.UserAccount, error)
	ClaimRegularTask(ctx context.Context, telegramID int64, taskID string) (*model.UserAccount, error)
	ClaimGiveawayTask(ctx context.Context, telegramID int64, taskID string) (*model.UserAccount, error)

	EnterGiveaway(ctx context.Context, telegramID int64) (*model.UserAccount, error)
	ClaimAllGiveaway(ctx context.Context, telegramID int64) (*service.ClaimAllResult, error)
	GiveawaySettings(ctx context.Context) (model.GiveawaySettings, error)

	Spin(ctx context.Context, telegramID int64) (*service.SpinResult, error)

	Withdraw(ctx context.Context, telegramID int64, amount model.Mills, method, accountID string) (*model.WithdrawRequest, error)
	Withdraws(ctx context.Context, telegramID int64) ([]model.WithdrawRequest, error)

	Referrals(ctx context.Context, telegramID int64) ([]service.ReferralInfo, error)
	Leaderboard(ctx context.Context) ([]model.LeaderboardEntry, error)

	SubscribeAccount(telegramID int64, fn func(*model.UserAccount)) store.Unsubscribe
}

// Handler реализует HTTP-обработчики API сервиса вознаграждений.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	hub            *push.Hub
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, hub *push.Hub) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		hub:            hub,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeError переводит ошибку бизнес-логики в HTTP-статус.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var admission *adwatch.AdmissionError
	switch {
	case errors.As(err, &admission):
		h.writeJSON(w, http.StatusTooManyRequests, admission.Decision)
	case errors.Is(err, store.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrAlreadyCompleted),
		errors.Is(err, dwell.ErrAlreadyCompleted),
		errors.Is(err, dwell.ErrAttemptInFlight),
		errors.Is(err, adwatch.ErrBusy),
		errors.Is(err, service.ErrSpinInProgress):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrInsufficientDiamonds),
		errors.Is(err, service.ErrSpinUnavailable):
		h.writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNotMember):
		h.writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrTaskUnavailable),
		errors.Is(err, dwell.ErrNotClaimable),
		errors.Is(err, dwell.ErrOpenBlocked),
		errors.Is(err, adwatch.ErrUnknownProvider),
		errors.Is(err, validation.ErrUnknownMethod),
		errors.Is(err, validation.ErrEmptyAccountID),
		errors.Is(err, validation.ErrBelowMinimum):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

func (h *Handler) telegramID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetTelegramIDFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: http.StatusText(http.StatusUnauthorized)})
	}
	return id, ok
}

type sessionRequest struct {
	TelegramID int64  `json:"telegramId"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName,omitempty"`
	Username   string `json:"username,omitempty"`
	PhotoURL   string `json:"photoUrl,omitempty"`
	ReferrerID int64  `json:"referrerId,omitempty"`
}

type sessionResponse struct {
	Account *model.UserAccount `json:"account"`
	Welcome bool               `json:"welcome"`
}

// CreateSession создаёт или обновляет запись пользователя и выдаёт cookie сессии.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.TelegramID <= 0 || req.FirstName == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "telegramId and firstName are required"})
		return
	}

	account, created, err := h.service.EnsureAccount(r.Context(), service.Profile{
		TelegramID: req.TelegramID,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Username:   req.Username,
		PhotoURL:   req.PhotoURL,
	}, req.ReferrerID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.authMiddleware.SetSessionCookie(w, req.TelegramID)
	h.writeJSON(w, http.StatusOK, sessionResponse{Account: account, Welcome: created})
}

// GetAccount возвращает каноническую запись текущего пользователя.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	account, err := h.service.Account(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

type adStatusResponse struct {
	Config model.AdsConfig                        `json:"config"`
	Status map[model.Provider]ratelimit.Decision `json:"status"`
}

// GetAdStatus возвращает конфигурацию сетей и решения о допуске к просмотру.
func (h *Handler) GetAdStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	cfg, err := h.service.AdsConfig(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	status, err := h.service.AdStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, adStatusResponse{Config: cfg, Status: status})
}

// WatchAd проводит просмотр рекламы указанной сети.
func (h *Handler) WatchAd(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	provider := model.Provider(chi.URLParam(r, "provider"))
	account, err := h.service.WatchAd(r.Context(), id, provider)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// GetTasks возвращает задачи из внешнего фида.
func (h *Handler) GetTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.telegramID(w, r); !ok {
		return
	}

	tasks, err := h.service.Tasks(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tasks)
}

// StartTask открывает внешнюю страницу прямой задачи.
func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	status, err := h.service.StartTask(r.Context(), id, chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// GetTaskStatus возвращает состояние попытки выполнения задачи.
func (h *Handler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	status, found := h.service.TaskStatus(id, chi.URLParam(r, "taskID"))
	if !found {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no attempt for task"})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// CancelTask снимает попытку выполнения задачи.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	h.service.CancelTask(id, chi.URLParam(r, "taskID"))
	w.WriteHeader(http.StatusNoContent)
}

// ReportForeground принимает сигнал о возврате страницы приложения в видимость.
func (h *Handler) ReportForeground(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	status, found := h.service.ReportForeground(id, chi.URLParam(r, "taskID"))
	if !found {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no attempt for task"})
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ClaimTask начисляет награду за задачу в зависимости от её механики.
func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	taskID := chi.URLParam(r, "taskID")
	task, err := h.service.Task(r.Context(), taskID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var account *model.UserAccount
	switch task.Type {
	case model.TaskDirect:
		account, err = h.service.ClaimDirectTask(r.Context(), id, taskID)
	case model.TaskRegular:
		account, err = h.service.ClaimRegularTask(r.Context(), id, taskID)
	case model.TaskGiveaway:
		account, err = h.service.ClaimGiveawayTask(r.Context(), id, taskID)
	default:
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "unknown task type"})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// GetGiveaway возвращает настройки розыгрыша.
func (h *Handler) GetGiveaway(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.telegramID(w, r); !ok {
		return
	}

	settings, err := h.service.GiveawaySettings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

// EnterGiveaway списывает стоимость входа в розыгрыш.
func (h *Handler) EnterGiveaway(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	account, err := h.service.EnterGiveaway(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// ClaimAllGiveaway выплачивает доли фонда за все подтверждённые задачи розыгрыша.
func (h *Handler) ClaimAllGiveaway(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	result, err := h.service.ClaimAllGiveaway(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Spin разыгрывает сектор колеса и начисляет приз.
func (h *Handler) Spin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Spin(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type withdrawRequest struct {
	Amount        model.Mills `json:"amount"`
	PaymentMethod string      `json:"paymentMethod"`
	AccountID     string      `json:"accountId"`
}

// Withdraw создаёт заявку на вывод средств текущего пользователя.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Amount <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be positive"})
		return
	}

	created, err := h.service.Withdraw(r.Context(), id, req.Amount, req.PaymentMethod, req.AccountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, created)
}

// GetWithdrawals возвращает историю заявок текущего пользователя.
func (h *Handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	withdraws, err := h.service.Withdraws(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(withdraws) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, withdraws)
}

// GetReferrals возвращает список приглашённых пользователей.
func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.telegramID(w, r)
	if !ok {
		return
	}

	refs, err := h.service.Referrals(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, refs)
}

// GetLeaderboard возвращает таблицу лидеров.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.telegramID(w, r); !ok {
		return
	}

	entries, err := h.service.Leaderboard(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// Health отвечает пробе доступности.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
