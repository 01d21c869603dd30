package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Trusty-Agents/deploy/migrations"
	"Trusty-Agents/internal/agent"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/transaction"
)

func TestRebindPostgres(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b IN ($2, $3)",
		DialectPostgres.rebind("SELECT 1 WHERE a = ? AND b IN (?, ?)"))
	assert.Equal(t, "SELECT ?", DialectMySQL.rebind("SELECT ?"))
}

func TestNormaliseMySQLDSN(t *testing.T) {
	dsn, err := normaliseMySQLDSN("trusty:secret@tcp(localhost:3306)/trusty")
	require.NoError(t, err)
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.True(t, cfg.ClientFoundRows)
	assert.Equal(t, time.UTC, cfg.Loc)

	_, err = normaliseMySQLDSN("not a dsn")
	assert.Error(t, err)
}

func TestViolationClassification(t *testing.T) {
	assert.True(t, isUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, isForeignKeyViolation(&mysql.MySQLError{Number: 1452}))
	assert.True(t, isForeignKeyViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(assert.AnError))
}

func TestSQLCompareAndSetStatus(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ops := []mockOperation{
		execOp(`UPDATE agent_instances SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT `+agentColumns+` FROM agent_instances WHERE id = ?`, agentRow("agent-1", agent.StatusShopping, created)),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := newSQLStore(db, DialectMySQL)
	inst, err := s.CompareAndSetStatus(context.Background(), "agent-1", []agent.Status{agent.StatusIdle}, agent.StatusShopping)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusShopping, inst.Status)
	assert.Equal(t, "200", inst.MaxBudget.String())
	assert.Equal(t, []string{"amazon.com"}, inst.AllowedMerchants)
	assert.Equal(t, created, inst.CreatedAt)
}

func TestSQLCompareAndSetStatusConflict(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ops := []mockOperation{
		execOp(`UPDATE agent_instances SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`, mockResult{rowsAffected: 0}),
		queryOp(`SELECT `+agentColumns+` FROM agent_instances WHERE id = ?`, agentRow("agent-1", agent.StatusShopping, created)),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := newSQLStore(db, DialectMySQL)
	_, err := s.CompareAndSetStatus(context.Background(), "agent-1", []agent.Status{agent.StatusIdle}, agent.StatusShopping)
	assert.Equal(t, xerrors.CodeStateConflict, xerrors.CodeOf(err))
}

func TestSQLGetAgentNotFound(t *testing.T) {
	ops := []mockOperation{
		queryOp(`SELECT `+agentColumns+` FROM agent_instances WHERE id = $1`, mockRowsData{columns: agentColumnNames()}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := newSQLStore(db, DialectPostgres)
	_, err := s.GetAgent(context.Background(), "missing")
	assert.Equal(t, agent.CodeAgentNotFound, xerrors.CodeOf(err))
}

func TestSQLRunInTxCommit(t *testing.T) {
	ops := []mockOperation{
		beginOp(),
		execOp(`UPDATE agent_instances SET trust_score = ?, updated_at = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := newSQLStore(db, DialectMySQL)
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx transaction.Tx) error {
		return tx.SetTrustScore(ctx, "agent-1", 55)
	})
	require.NoError(t, err)
}

func TestSQLRunInTxRollsBackOnError(t *testing.T) {
	ops := []mockOperation{
		beginOp(),
		execOp(`UPDATE transactions SET lowest_price_found = $1 WHERE id = $2`, mockResult{rowsAffected: 1}),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := newSQLStore(db, DialectPostgres)
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx transaction.Tx) error {
		if err := tx.SetLowestPriceFound(ctx, "tx-1", nil); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSQLLatestTransactionNone(t *testing.T) {
	ops := []mockOperation{
		queryOp(`SELECT `+transactionColumns+` FROM transactions
        WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, mockRowsData{columns: []string{"id"}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	s := newSQLStore(db, DialectMySQL)
	record, err := s.LatestTransaction(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSQLRunMigrations(t *testing.T) {
	for _, dialect := range []Dialect{DialectMySQL, DialectPostgres} {
		t.Run(string(dialect), func(t *testing.T) {
			dir, err := migrations.For(string(dialect))
			require.NoError(t, err)
			files, err := loadMigrationFiles(dir)
			require.NoError(t, err)
			require.NotEmpty(t, files)

			ops := []mockOperation{
				execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
				queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
			}
			for _, file := range files {
				ops = append(ops, beginOp())
				for _, stmt := range file.statements {
					ops = append(ops, execOp(stmt, mockResult{}))
				}
				ops = append(ops,
					execOp(dialect.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), mockResult{rowsAffected: 1}),
					commitOp(),
				)
			}
			db, drv := newMockDB(t, ops)
			defer drv.assertConsumed(t)
			defer db.Close()

			require.NoError(t, newSQLStore(db, dialect).runMigrations(context.Background()))
		})
	}
}

func TestSQLRunMigrationsSkipsApplied(t *testing.T) {
	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	require.NoError(t, newSQLStore(db, DialectMySQL).runMigrations(context.Background()))
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (id INT);\n\n CREATE TABLE b (id INT);\n")
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, got)
	assert.Equal(t, "0002", parseMigrationVersion("0002_add_index.sql"))
}

func agentColumnNames() []string {
	var names []string
	for _, col := range strings.Split(agentColumns, ",") {
		names = append(names, strings.TrimSpace(col))
	}
	return names
}

func agentRow(id string, status agent.Status, created time.Time) mockRowsData {
	return mockRowsData{
		columns: agentColumnNames(),
		values: [][]driver.Value{{
			id,
			int64(1),
			"shopping-assistant",
			string(status),
			int64(50),
			`{"max_price":200,"categories":["electronics"],"preferences":{"brand":"any","condition":"new","shipping":"standard"},"_source":"default"}`,
			"200.00",
			`["amazon.com"]`,
			"0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
			created,
			created,
		}},
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-store-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	assert.Equal(t, len(d.ops), int(atomic.LoadInt32(&d.idx)), "not all operations consumed")
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		want, got := normalizeSQL(op.query), normalizeSQL(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
