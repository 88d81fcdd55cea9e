package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"web3-txpool-go/internal/engine"
	"web3-txpool-go/internal/models"
)

// Journal 终态流水归档：只追加，池从不读回（池状态全部在内存重建）
// 用于审计与离线分析，写失败不影响操作终态
type Journal struct {
	db *sqlx.DB
}

// entry 一条终态流水
type entry struct {
	OperationID string         `db:"operation_id"`
	Kind        string         `db:"kind"`
	Status      string         `db:"status"`
	TxHash      string         `db:"tx_hash"`
	Endpoint    string         `db:"endpoint"`
	Attempts    int            `db:"attempts"`
	PricePaid   models.Uint256 `db:"price_paid"`
	Error       string         `db:"error"`
	CompletedAt time.Time      `db:"completed_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS operation_journal (
	id           BIGSERIAL PRIMARY KEY,
	operation_id TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	tx_hash      TEXT        NOT NULL DEFAULT '',
	endpoint     TEXT        NOT NULL DEFAULT '',
	attempts     INT         NOT NULL DEFAULT 0,
	price_paid   NUMERIC(78) NOT NULL DEFAULT 0,
	error        TEXT        NOT NULL DEFAULT '',
	completed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_operation_id ON operation_journal (operation_id);
CREATE INDEX IF NOT EXISTS idx_journal_completed_at ON operation_journal (completed_at);
`

// New wraps an existing connection. Migrate must be called once before use.
func New(db *sqlx.DB) *Journal {
	return &Journal{db: db}
}

// Migrate creates the journal table if missing.
func (j *Journal) Migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("journal_migrate_failed: %w", err)
	}
	return nil
}

// Append writes one terminal outcome.
func (j *Journal) Append(ctx context.Context, res *engine.OperationResult) error {
	e := entry{
		OperationID: res.ID,
		Kind:        res.Kind.String(),
		Status:      res.Status.String(),
		Attempts:    res.Attempts,
		Endpoint:    res.Endpoint,
		PricePaid:   models.NewUint256(0),
		CompletedAt: res.CompletedAt,
	}
	if res.TxHash != (common.Hash{}) {
		e.TxHash = res.TxHash.Hex()
	}
	if res.PricePaid != nil {
		e.PricePaid = models.Uint256{Int: res.PricePaid}
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}

	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO operation_journal
		(operation_id, kind, status, tx_hash, endpoint, attempts, price_paid, error, completed_at)
		VALUES
		(:operation_id, :kind, :status, :tx_hash, :endpoint, :attempts, :price_paid, :error, :completed_at)
	`, e)
	if err != nil {
		return fmt.Errorf("journal_append_failed: %w", err)
	}
	return nil
}
