package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	"github.com/shopspring/decimal"

	"Trusty-Agents/internal/agent"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/transaction"
)

const transactionColumns = `id, agent_id, amount, merchant, merchant_wallet, status, market_average_price,
        lowest_price_found, price_difference_percentage, failed_checks, created_at, executed_at, transaction_hash`

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func scanTransaction(row rowScanner) (*transaction.Transaction, error) {
	var (
		record     transaction.Transaction
		status     string
		avg        decimal.NullDecimal
		lowest     decimal.NullDecimal
		difference decimal.NullDecimal
		failed     string
		executedAt sql.NullTime
	)
	if err := row.Scan(
		&record.ID,
		&record.AgentID,
		&record.Amount,
		&record.Merchant,
		&record.MerchantWallet,
		&status,
		&avg,
		&lowest,
		&difference,
		&failed,
		&record.CreatedAt,
		&executedAt,
		&record.TransactionHash,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, transaction.ErrTransactionNotFound
		}
		return nil, storageError(err, "查询交易失败")
	}
	record.Status = transaction.Status(status)
	record.MarketAveragePrice = decimalPtr(avg)
	record.LowestPriceFound = decimalPtr(lowest)
	record.PriceDifferencePercentage = decimalPtr(difference)
	if err := json.Unmarshal([]byte(failed), &record.FailedChecks); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析失败校验项失败")
	}
	if record.FailedChecks == nil {
		record.FailedChecks = []string{}
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if executedAt.Valid {
		t := executedAt.Time.UTC()
		record.ExecutedAt = &t
	}
	return &record, nil
}

func encodeChecks(checks []string) (string, error) {
	if checks == nil {
		checks = []string{}
	}
	raw, err := json.Marshal(checks)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码失败校验项失败")
	}
	return string(raw), nil
}

// GetTransaction 实现 transaction.Repository。
func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	return scanTransaction(s.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
}

// LatestTransaction 实现 transaction.Repository，没有交易时返回 nil。
func (s *SQLStore) LatestTransaction(ctx context.Context, agentID string) (*transaction.Transaction, error) {
	record, err := scanTransaction(s.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions
        WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, agentID))
	if err != nil {
		if xerrors.CodeOf(err) == transaction.CodeTransactionNotFound {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (o sqlOps) listPriceComparisons(ctx context.Context, transactionID string) ([]transaction.PriceComparison, error) {
	rows, err := o.query(ctx, `SELECT id, transaction_id, merchant_name, price, url, observed_at
        FROM price_comparisons WHERE transaction_id = ? ORDER BY observed_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, storageError(err, "查询比价记录失败")
	}
	defer rows.Close()

	out := []transaction.PriceComparison{}
	for rows.Next() {
		var pc transaction.PriceComparison
		if err := rows.Scan(&pc.ID, &pc.TransactionID, &pc.MerchantName, &pc.Price, &pc.URL, &pc.Timestamp); err != nil {
			return nil, storageError(err, "解析比价记录失败")
		}
		pc.Timestamp = pc.Timestamp.UTC()
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历比价记录失败")
	}
	return out, nil
}

// ListPriceComparisons 实现 transaction.Repository。
func (s *SQLStore) ListPriceComparisons(ctx context.Context, transactionID string) ([]transaction.PriceComparison, error) {
	return s.listPriceComparisons(ctx, transactionID)
}

func (t *sqlTx) InsertTransaction(ctx context.Context, record *transaction.Transaction) error {
	failed, err := encodeChecks(record.FailedChecks)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO transactions
        (id, agent_id, amount, merchant, merchant_wallet, status, market_average_price, lowest_price_found,
        price_difference_percentage, failed_checks, created_at, executed_at, transaction_hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`
	_, err = t.exec(ctx, stmt,
		record.ID,
		record.AgentID,
		record.Amount,
		record.Merchant,
		record.MerchantWallet,
		string(record.Status),
		nullDecimal(record.MarketAveragePrice),
		nullDecimal(record.LowestPriceFound),
		nullDecimal(record.PriceDifferencePercentage),
		failed,
		record.CreatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return xerrors.New(xerrors.CodeConflict, "交易已存在")
		case isForeignKeyViolation(err):
			return agent.ErrAgentNotFound
		}
		return storageError(err, "插入交易失败")
	}
	return nil
}

func (t *sqlTx) UpdateTransaction(ctx context.Context, record *transaction.Transaction, from transaction.Status) error {
	failed, err := encodeChecks(record.FailedChecks)
	if err != nil {
		return err
	}
	var executedAt sql.NullTime
	if record.ExecutedAt != nil {
		executedAt = sql.NullTime{Time: *record.ExecutedAt, Valid: true}
	}
	res, err := t.exec(ctx, `UPDATE transactions SET status = ?, failed_checks = ?, executed_at = ?, transaction_hash = ?
        WHERE id = ? AND status = ?`,
		string(record.Status),
		failed,
		executedAt,
		record.TransactionHash,
		record.ID,
		string(from),
	)
	if err != nil {
		return storageError(err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "获取影响行数失败")
	}
	if affected == 0 {
		current, err := scanTransaction(t.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, record.ID))
		if err != nil {
			return err
		}
		return transactionConflict(record.ID, current.Status, record.Status)
	}
	return nil
}

func (t *sqlTx) LockTransaction(ctx context.Context, id string) (*transaction.Transaction, error) {
	return scanTransaction(t.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ? FOR UPDATE`, id))
}

func (t *sqlTx) InsertPriceComparison(ctx context.Context, pc *transaction.PriceComparison) error {
	_, err := t.exec(ctx, `INSERT INTO price_comparisons (id, transaction_id, merchant_name, price, url, observed_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		pc.ID, pc.TransactionID, pc.MerchantName, pc.Price, pc.URL, pc.Timestamp)
	if err != nil {
		if isForeignKeyViolation(err) {
			return transaction.ErrTransactionNotFound
		}
		return storageError(err, "插入比价记录失败")
	}
	return nil
}

func (t *sqlTx) ListPriceComparisons(ctx context.Context, transactionID string) ([]transaction.PriceComparison, error) {
	return t.listPriceComparisons(ctx, transactionID)
}

func (t *sqlTx) SetLowestPriceFound(ctx context.Context, transactionID string, price *decimal.Decimal) error {
	res, err := t.exec(ctx, `UPDATE transactions SET lowest_price_found = ? WHERE id = ?`, nullDecimal(price), transactionID)
	if err != nil {
		return storageError(err, "更新最低价失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return transaction.ErrTransactionNotFound
	}
	return nil
}
