package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/rewardbot-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Каналы уведомлений, объявленные триггерами миграций.
const (
	accountChannel = "account_events"
	configChannel  = "config_events"
)

// PostgresStore хранит записи аккаунтов в PostgreSQL. Запись аккаунта лежит
// в jsonb-колонке целиком — patch замещает документ с проверкой версии, как
// того требует контракт адаптера. Триггеры NOTIFY превращают каждую запись
// в push канонического снимка всем локальным подписчикам.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu          sync.Mutex
	nextSubID   int
	accountSubs map[int64]map[int]func(*model.UserAccount)
	adsSubs     map[int]func(model.AdsConfig)

	cancelListen context.CancelFunc
	listenDone   chan struct{}
}

// NewPostgresStore создаёт хранилище, применяет миграции и запускает
// слушателя уведомлений.
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool:        pool,
		logger:      logger,
		accountSubs: map[int64]map[int]func(*model.UserAccount){},
		adsSubs:     map[int]func(model.AdsConfig){},
		listenDone:  make(chan struct{}),
	}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	listenCtx, cancelListen := context.WithCancel(context.Background())
	s.cancelListen = cancelListen
	go s.listen(listenCtx)

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close останавливает слушателя уведомлений и закрывает пул.
func (s *PostgresStore) Close() error {
	if s.cancelListen != nil {
		s.cancelListen()
		<-s.listenDone
	}
	s.pool.Close()
	return nil
}

// listen держит выделенное соединение с LISTEN и раздаёт уведомления
// подписчикам; при обрыве соединения переподключается.
func (s *PostgresStore) listen(ctx context.Context) {
	defer close(s.listenDone)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("store listener disconnected", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	for _, ch := range []string{accountChannel, configChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		s.dispatch(ctx, n)
	}
}

func (s *PostgresStore) dispatch(ctx context.Context, n *pgconn.Notification) {
	switch n.Channel {
	case accountChannel:
		id, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			s.logger.Warn("bad account notification payload", zap.String("payload", n.Payload))
			return
		}
		s.mu.Lock()
		subs := make([]func(*model.UserAccount), 0, len(s.accountSubs[id]))
		for _, fn := range s.accountSubs[id] {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		if len(subs) == 0 {
			return
		}
		account, err := s.ReadAccount(ctx, id)
		if err != nil {
			s.logger.Warn("read account after notification", zap.Int64("telegram_id", id), zap.Error(err))
			return
		}
		for _, fn := range subs {
			fn(account.Clone())
		}
	case configChannel:
		if n.Payload != "ads" {
			return
		}
		s.mu.Lock()
		subs := make([]func(model.AdsConfig), 0, len(s.adsSubs))
		for _, fn := range s.adsSubs {
			subs = append(subs, fn)
		}
		s.mu.Unlock()
		if len(subs) == 0 {
			return
		}
		cfg, err := s.AdsConfig(ctx)
		if err != nil {
			s.logger.Warn("read ads config after notification", zap.Error(err))
			return
		}
		for _, fn := range subs {
			fn(cfg)
		}
	}
}

func (s *PostgresStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// ReadAccount возвращает каноническую запись аккаунта.
func (s *PostgresStore) ReadAccount(ctx context.Context, telegramID int64) (*model.UserAccount, error) {
	var (
		data    []byte
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM accounts WHERE telegram_id = $1`,
		telegramID,
	).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}

	var account model.UserAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	account.Version = version
	return &account, nil
}

// CreateAccount записывает полную запись нового аккаунта.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *model.UserAccount) error {
	account.Version = 1
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO accounts (telegram_id, version, data) VALUES ($1, 1, $2)`,
			account.TelegramID, data,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %d", ErrAccountExists, account.TelegramID)
			}
			return fmt.Errorf("insert account: %w", err)
		}
		return nil
	})
}

// PatchAccount замещает запись при совпадении версии снимка.
func (s *PostgresStore) PatchAccount(ctx context.Context, account *model.UserAccount) (*model.UserAccount, error) {
	next := account.Clone()
	next.Version = account.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode account: %w", err)
	}

	err = s.withRetry(ctx, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE accounts SET data = $3, version = version + 1, updated_at = now()
			 WHERE telegram_id = $1 AND version = $2`,
			account.TelegramID, account.Version, data,
		)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM accounts WHERE telegram_id = $1)`,
				account.TelegramID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check account existence: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStaleSnapshot
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// SubscribeAccount регистрирует подписчика на канонические записи аккаунта.
func (s *PostgresStore) SubscribeAccount(telegramID int64, fn func(*model.UserAccount)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if s.accountSubs[telegramID] == nil {
		s.accountSubs[telegramID] = map[int]func(*model.UserAccount){}
	}
	s.accountSubs[telegramID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.accountSubs[telegramID], id)
		if len(s.accountSubs[telegramID]) == 0 {
			delete(s.accountSubs, telegramID)
		}
	}
}

// AdsConfig возвращает конфигурацию рекламных сетей, наложенную на значения
// по умолчанию: фид может содержать частичные записи.
func (s *PostgresStore) AdsConfig(ctx context.Context) (model.AdsConfig, error) {
	cfg := model.DefaultAdsConfig()

	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM config WHERE key = 'ads'`,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cfg, nil
		}
		return nil, fmt.Errorf("select ads config: %w", err)
	}

	var partial map[model.Provider]model.AdProviderConfig
	if err := json.Unmarshal(data, &partial); err != nil {
		return nil, fmt.Errorf("decode ads config: %w", err)
	}
	for p, pc := range partial {
		cfg[p] = pc
	}
	return cfg, nil
}

// SubscribeAdsConfig регистрирует подписчика на конфигурацию рекламы.
func (s *PostgresStore) SubscribeAdsConfig(fn func(model.AdsConfig)) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.adsSubs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.adsSubs, id)
	}
}

// Tasks возвращает задачи внешнего фида.
func (s *PostgresStore) Tasks(ctx context.Context) ([]model.TaskDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data FROM tasks ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.TaskDescriptor
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t model.TaskDescriptor
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		t.ID = id
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tasks, nil
}

// Task возвращает задачу по идентификатору.
func (s *PostgresStore) Task(ctx context.Context, id string) (*model.TaskDescriptor, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM tasks WHERE id = $1`,
		id,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}

	var t model.TaskDescriptor
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	t.ID = id
	return &t, nil
}

// GiveawaySettings возвращает настройки розыгрыша.
func (s *PostgresStore) GiveawaySettings(ctx context.Context) (model.GiveawaySettings, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM config WHERE key = 'giveaway'`,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GiveawaySettings{}, nil
		}
		return model.GiveawaySettings{}, fmt.Errorf("select giveaway settings: %w", err)
	}

	var gs model.GiveawaySettings
	if err := json.Unmarshal(data, &gs); err != nil {
		return model.GiveawaySettings{}, fmt.Errorf("decode giveaway settings: %w", err)
	}
	return gs, nil
}

// CreateWithdraw сохраняет заявку на вывод средств.
func (s *PostgresStore) CreateWithdraw(ctx context.Context, req *model.WithdrawRequest) error {
	return s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO withdraws (id, telegram_id, amount_mills, payment_method, account_ref, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			req.ID, req.TelegramID, int64(req.Amount), req.PaymentMethod, req.AccountID, string(req.Status), req.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert withdraw: %w", err)
		}
		return nil
	})
}

// WithdrawsByAccount возвращает заявки аккаунта, новые первыми.
func (s *PostgresStore) WithdrawsByAccount(ctx context.Context, telegramID int64) ([]model.WithdrawRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, amount_mills, payment_method, account_ref, status, created_at, completed_at, admin_notes
		 FROM withdraws
		 WHERE telegram_id = $1
		 ORDER BY created_at DESC`,
		telegramID,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdraws: %w", err)
	}
	defer rows.Close()

	var reqs []model.WithdrawRequest
	for rows.Next() {
		var (
			req    model.WithdrawRequest
			amount int64
			status string
			notes  *string
		)
		req.TelegramID = telegramID
		if err := rows.Scan(&req.ID, &amount, &req.PaymentMethod, &req.AccountID, &status, &req.CreatedAt, &req.CompletedAt, &notes); err != nil {
			return nil, fmt.Errorf("scan withdraw: %w", err)
		}
		req.Amount = model.Mills(amount)
		req.Status = model.WithdrawStatus(status)
		if notes != nil {
			req.AdminNotes = *notes
		}
		reqs = append(reqs, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return reqs, nil
}

// Leaderboard возвращает аккаунты с положительным балансом, упорядоченные по
// сумме баланса и реферальных начислений.
func (s *PostgresStore) Leaderboard(ctx context.Context, referralBonus model.Mills, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM accounts WHERE (data->>'balance')::numeric > 0`,
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard accounts: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		var a model.UserAccount
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		entries = append(entries, model.LeaderboardEntry{
			TelegramID:  a.TelegramID,
			FirstName:   a.FirstName,
			Username:    a.Username,
			PhotoURL:    a.PhotoURL,
			Referrals:   len(a.Referrals),
			TotalEarned: a.Balance + referralBonus*model.Mills(len(a.Referrals)),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TotalEarned > entries[j].TotalEarned })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
