package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/payos-hq/payos/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresStore is the production backend. All settlement invariants ride on
// conditional UPDATEs and the unique index on (protocol, request_id) inside
// a single transaction per settlement.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects a pool with the shopspring decimal codec
// registered, so NUMERIC columns scan straight into decimal.Decimal.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Pool exposes the underlying pool for seeding and shutdown.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.db }

func (s *PostgresStore) Close() { s.db.Close() }

func (s *PostgresStore) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO wallets (id, account_id, currency, balance,
			per_request_limit, daily_limit, monthly_limit, approval_threshold, approved_targets,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.AccountID, w.Currency, w.Balance,
		w.Policy.PerRequestLimit, w.Policy.DailyLimit, w.Policy.MonthlyLimit,
		w.Policy.ApprovalThreshold, w.Policy.ApprovedTargets,
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.db.QueryRow(ctx, `
		SELECT id, account_id, currency, balance,
			per_request_limit, daily_limit, monthly_limit, approval_threshold, approved_targets,
			created_at, updated_at
		FROM wallets WHERE id = $1`, id).Scan(
		&w.ID, &w.AccountID, &w.Currency, &w.Balance,
		&w.Policy.PerRequestLimit, &w.Policy.DailyLimit, &w.Policy.MonthlyLimit,
		&w.Policy.ApprovalThreshold, &w.Policy.ApprovedTargets,
		&w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CreateEndpoint(ctx context.Context, e *domain.Endpoint) error {
	tiers, err := json.Marshal(e.Tiers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO endpoints (id, provider_wallet_id, name, price, currency, tiers,
			total_calls, total_revenue, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.ProviderWalletID, e.Name, e.Price, e.Currency, tiers,
		e.TotalCalls, e.TotalRevenue, e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

const endpointColumns = `id, provider_wallet_id, name, price, currency, tiers,
	total_calls, total_revenue, status, created_at, updated_at`

func (s *PostgresStore) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateEndpointStatus(ctx context.Context, id string, status domain.EndpointStatus, now time.Time) (*domain.Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(ctx,
		`UPDATE endpoints SET status = $2, updated_at = $3 WHERE id = $1
		RETURNING `+endpointColumns,
		id, status, now))
}

func (s *PostgresStore) CreateMandate(ctx context.Context, m *domain.Mandate) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mandates (id, wallet_id, payee_wallet_id, currency,
			authorized_amount, used_amount, remaining_amount, execution_count,
			status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.WalletID, m.PayeeWalletID, m.Currency,
		m.AuthorizedAmount, m.UsedAmount, m.RemainingAmount, m.ExecutionCount,
		m.Status, m.ExpiresAt, m.CreatedAt, m.UpdatedAt)
	return err
}

const mandateColumns = `id, wallet_id, payee_wallet_id, currency,
	authorized_amount, used_amount, remaining_amount, execution_count,
	status, expires_at, created_at, updated_at`

func scanMandate(row pgx.Row) (*domain.Mandate, error) {
	var m domain.Mandate
	err := row.Scan(&m.ID, &m.WalletID, &m.PayeeWalletID, &m.Currency,
		&m.AuthorizedAmount, &m.UsedAmount, &m.RemainingAmount, &m.ExecutionCount,
		&m.Status, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMandate(ctx context.Context, id string) (*domain.Mandate, error) {
	return scanMandate(s.db.QueryRow(ctx,
		`SELECT `+mandateColumns+` FROM mandates WHERE id = $1`, id))
}

func (s *PostgresStore) TransitionMandate(ctx context.Context, id string, from, to domain.MandateStatus, now time.Time) (*domain.Mandate, error) {
	m, err := scanMandate(s.db.QueryRow(ctx, `
		UPDATE mandates SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+mandateColumns, id, from, to, now))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing mandate from a lost state race.
		if _, getErr := s.GetMandate(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidState
	}
	return m, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, mandateID string) ([]domain.MandateExecution, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, mandate_id, execution_index, amount, transfer_id, status, created_at
		FROM mandate_executions WHERE mandate_id = $1 ORDER BY execution_index`, mandateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MandateExecution
	for rows.Next() {
		var e domain.MandateExecution
		if err := rows.Scan(&e.ID, &e.MandateID, &e.ExecutionIndex, &e.Amount,
			&e.TransferID, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateCheckout(ctx context.Context, c *domain.Checkout) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO checkouts (id, wallet_id, merchant_wallet_id, currency, items,
			subtotal, tax, shipping, discount, total_amount,
			status, payment_token, transfer_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.WalletID, c.MerchantWalletID, c.Currency, items,
		c.Subtotal, c.Tax, c.Shipping, c.Discount, c.TotalAmount,
		c.Status, c.PaymentToken, c.TransferID, c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	return err
}

const checkoutColumns = `id, wallet_id, merchant_wallet_id, currency, items,
	subtotal, tax, shipping, discount, total_amount,
	status, payment_token, transfer_id, expires_at, created_at, updated_at`

func scanCheckout(row pgx.Row) (*domain.Checkout, error) {
	var c domain.Checkout
	var items []byte
	err := row.Scan(&c.ID, &c.WalletID, &c.MerchantWalletID, &c.Currency, &items,
		&c.Subtotal, &c.Tax, &c.Shipping, &c.Discount, &c.TotalAmount,
		&c.Status, &c.PaymentToken, &c.TransferID, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &c.Items); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (s *PostgresStore) GetCheckout(ctx context.Context, id string) (*domain.Checkout, error) {
	return scanCheckout(s.db.QueryRow(ctx,
		`SELECT `+checkoutColumns+` FROM checkouts WHERE id = $1`, id))
}

func (s *PostgresStore) TransitionCheckout(ctx context.Context, id string, from, to domain.CheckoutStatus, now time.Time) (*domain.Checkout, error) {
	c, err := scanCheckout(s.db.QueryRow(ctx, `
		UPDATE checkouts SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+checkoutColumns, id, from, to, now))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetCheckout(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidState
	}
	return c, err
}

const transferColumns = `id, protocol, request_id, payer_wallet_id, payee_wallet_id,
	currency, gross_amount, fee_amount, net_amount, status, metadata, created_at, settled_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	var meta []byte
	err := row.Scan(&t.ID, &t.Protocol, &t.RequestID, &t.PayerWalletID, &t.PayeeWalletID,
		&t.Currency, &t.GrossAmount, &t.FeeAmount, &t.NetAmount, &t.Status, &meta,
		&t.CreatedAt, &t.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Metadata, err = domain.UnmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
}

func (s *PostgresStore) FindTransferByRequest(ctx context.Context, protocol domain.Protocol, requestID string) (*domain.Transfer, error) {
	return scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE protocol = $1 AND request_id = $2`,
		protocol, requestID))
}

func (s *PostgresStore) ListTransfers(ctx context.Context, protocol domain.Protocol, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := []any{}
	if protocol != "" {
		query += ` WHERE protocol = $1`
		args = append(args, protocol)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SpentSince(ctx context.Context, walletID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(gross_amount), 0) FROM transfers
		WHERE payer_wallet_id = $1 AND status = 'completed' AND created_at >= $2`,
		walletID, since).Scan(&total)
	return total, err
}

func (s *PostgresStore) EndpointCallCount(ctx context.Context, walletID, endpointID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM transfers
		WHERE protocol = 'x402' AND payer_wallet_id = $1 AND status = 'completed'
		  AND metadata->>'endpoint_id' = $2`,
		walletID, endpointID).Scan(&n)
	return n, err
}

// orderedWalletIDs returns the two wallet ids in the order ApplyTransfer
// locks them. Every settlement locking in the same order cannot form a
// lock cycle with another settlement between the same pair of wallets.
func orderedWalletIDs(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// ApplyTransfer commits one settlement in a single transaction. The insert
// into transfers is the idempotency serialization point: a concurrent
// duplicate blocks on the unique index until the winner commits, then fails
// with a unique violation and is reported as ErrDuplicateRequest. Wallet row
// locks are taken in id order before any balance change. The payer debit is
// a conditional UPDATE guarded by balance >= gross, so concurrent debits
// cannot overdraw; its zero-row result is the insufficient-balance path.
// Everything rolls back together on any failure.
func (s *PostgresStore) ApplyTransfer(ctx context.Context, p ApplyTransferParams) (*ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	meta := p.Metadata

	// Reserve (protocol, request_id) first; the aggregate effects below may
	// need the reserved transfer id.
	_, err = tx.Exec(ctx, `
		INSERT INTO transfers (id, protocol, request_id, payer_wallet_id, payee_wallet_id,
			currency, gross_amount, fee_amount, net_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', $10)`,
		p.TransferID, p.Protocol, p.RequestID, p.PayerWalletID, p.PayeeWalletID,
		p.Currency, p.Gross, p.Fee, p.Net, p.Now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("transfer insert failed: %w", err)
	}

	// Deterministic locking: take both wallet row locks in id order before
	// touching balances, so two crossing settlements (A paying B while B pays
	// A) cannot deadlock on each other's rows.
	firstID, secondID := orderedWalletIDs(p.PayerWalletID, p.PayeeWalletID)
	for _, id := range []string{firstID, secondID} {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM wallets WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("wallet lock failed: %w", err)
		}
	}

	// Conditional payer debit. Zero rows means the balance guard failed.
	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance - $1, updated_at = $2
		WHERE id = $3 AND balance >= $1`,
		p.Gross, p.Now, p.PayerWalletID)
	if err != nil {
		return nil, fmt.Errorf("payer debit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInsufficientFunds
	}

	tag, err = tx.Exec(ctx, `
		UPDATE wallets SET balance = balance + $1, updated_at = $2 WHERE id = $3`,
		p.Net, p.Now, p.PayeeWalletID)
	if err != nil {
		return nil, fmt.Errorf("payee credit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	res := &ApplyResult{}

	switch m := p.Metadata.(type) {
	case domain.X402Metadata:
		endpoint, err := scanEndpoint(tx.QueryRow(ctx, `
			UPDATE endpoints SET total_calls = total_calls + 1,
				total_revenue = total_revenue + $2, updated_at = $3
			WHERE id = $1 AND status = 'active'
			RETURNING `+endpointColumns,
			m.EndpointID, p.Net, p.Now))
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidState
		}
		if err != nil {
			return nil, fmt.Errorf("endpoint aggregate failed: %w", err)
		}
		res.Endpoint = endpoint

	case domain.AP2Metadata:
		mandate, err := scanMandate(tx.QueryRow(ctx, `
			UPDATE mandates SET
				used_amount = used_amount + $2,
				remaining_amount = remaining_amount - $2,
				execution_count = execution_count + 1,
				status = CASE WHEN remaining_amount = $2 THEN 'completed' ELSE status END,
				updated_at = $3
			WHERE id = $1 AND status = 'active' AND remaining_amount >= $2
			RETURNING `+mandateColumns, m.MandateID, p.Gross, p.Now))
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMandateExceeded
		}
		if err != nil {
			return nil, fmt.Errorf("mandate aggregate failed: %w", err)
		}

		exec := domain.MandateExecution{
			ID:             uuid.NewString(),
			MandateID:      mandate.ID,
			ExecutionIndex: mandate.ExecutionCount,
			Amount:         p.Gross,
			TransferID:     p.TransferID,
			Status:         domain.TransferCompleted,
			CreatedAt:      p.Now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO mandate_executions (id, mandate_id, execution_index, amount,
				transfer_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			exec.ID, exec.MandateID, exec.ExecutionIndex, exec.Amount,
			exec.TransferID, exec.Status, exec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("execution insert failed: %w", err)
		}

		m.ExecutionIndex = mandate.ExecutionCount
		meta = m
		res.Mandate = mandate
		res.Execution = &exec

	case domain.ACPMetadata:
		checkout, err := scanCheckout(tx.QueryRow(ctx, `
			UPDATE checkouts SET status = 'completed', payment_token = $2,
				transfer_id = $3, updated_at = $4
			WHERE id = $1 AND status = 'pending'
			RETURNING `+checkoutColumns,
			m.CheckoutID, m.PaymentToken, p.TransferID, p.Now))
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidState
		}
		if err != nil {
			return nil, fmt.Errorf("checkout aggregate failed: %w", err)
		}
		res.Checkout = checkout
	}

	metaJSON, err := domain.MarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE transfers SET status = 'completed', metadata = $2, settled_at = $3
		WHERE id = $1`,
		p.TransferID, metaJSON, p.Now)
	if err != nil {
		return nil, fmt.Errorf("transfer finalize failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	settled := p.Now
	res.Transfer = &domain.Transfer{
		ID:            p.TransferID,
		Protocol:      p.Protocol,
		RequestID:     p.RequestID,
		PayerWalletID: p.PayerWalletID,
		PayeeWalletID: p.PayeeWalletID,
		Currency:      p.Currency,
		GrossAmount:   p.Gross,
		FeeAmount:     p.Fee,
		NetAmount:     p.Net,
		Status:        domain.TransferCompleted,
		Metadata:      meta,
		CreatedAt:     p.Now,
		SettledAt:     &settled,
	}
	return res, nil
}

func scanEndpoint(row pgx.Row) (*domain.Endpoint, error) {
	var e domain.Endpoint
	var tiers []byte
	err := row.Scan(&e.ID, &e.ProviderWalletID, &e.Name, &e.Price, &e.Currency, &tiers,
		&e.TotalCalls, &e.TotalRevenue, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(tiers) > 0 {
		if err := json.Unmarshal(tiers, &e.Tiers); err != nil {
			return nil, err
		}
	}
	return &e, nil
}
