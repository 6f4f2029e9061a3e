package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/subnetindex/settlement/internal/ledger"
	"github.com/subnetindex/settlement/internal/persistence"
)

// requestRepo implements RequestRepo for PostgreSQL.
type requestRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRequestRepo creates a PostgreSQL request repository.
func NewRequestRepo(db *sqlx.DB, timeout time.Duration) persistence.RequestRepo {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &requestRepo{db: db, timeout: timeout}
}

const requestColumns = `
	request_id, requester, epoch_id, creation_size, status,
	required_basket, tolerance_bps, delivered_basket, delivery_proof,
	nav_per_share, shares_out, fees, cash_component,
	submitted_at, delivered_at, attested_at, closed_at, expires_at, close_reason`

// Insert stores a newly submitted request.
func (r *requestRepo) Insert(ctx context.Context, req *ledger.Request) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	requiredJSON, deliveredJSON, err := marshalBaskets(req)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO creation_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = r.db.ExecContext(ctx, query,
		req.ID, req.Requester, req.EpochID, int64(req.CreationSize), req.Status,
		requiredJSON, req.ToleranceBps, deliveredJSON, req.DeliveryProof,
		req.NavPerShare.String(), int64(req.SharesOut), int64(req.Fees), int64(req.CashComponent),
		req.SubmittedAt, req.DeliveredAt, req.AttestedAt, req.ClosedAt, req.ExpiresAt, req.CloseReason)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// Get returns the request with the given id.
func (r *requestRepo) Get(ctx context.Context, id string) (*ledger.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx,
		`SELECT `+requestColumns+` FROM creation_requests WHERE request_id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// Update replaces the stored row iff its status still equals expected. Zero
// rows affected distinguishes a lost race from a missing request.
func (r *requestRepo) Update(ctx context.Context, req *ledger.Request, expected ledger.Status) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	requiredJSON, deliveredJSON, err := marshalBaskets(req)
	if err != nil {
		return err
	}

	query := `
		UPDATE creation_requests SET
			status = $2, required_basket = $3, delivered_basket = $4,
			delivery_proof = $5, nav_per_share = $6, shares_out = $7,
			fees = $8, cash_component = $9, delivered_at = $10,
			attested_at = $11, closed_at = $12, close_reason = $13
		WHERE request_id = $1 AND status = $14`

	res, err := r.db.ExecContext(ctx, query,
		req.ID, req.Status, requiredJSON, deliveredJSON,
		req.DeliveryProof, req.NavPerShare.String(), int64(req.SharesOut),
		int64(req.Fees), int64(req.CashComponent), req.DeliveredAt,
		req.AttestedAt, req.ClosedAt, req.CloseReason, expected)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM creation_requests WHERE request_id = $1)`, req.ID); err != nil {
			return fmt.Errorf("failed to check request existence: %w", err)
		}
		if !exists {
			return ledger.ErrNotFound
		}
		return ledger.ErrStatusConflict
	}
	return nil
}

// ListByStatus returns all requests in the given state, oldest first.
func (r *requestRepo) ListByStatus(ctx context.Context, status ledger.Status) ([]*ledger.Request, error) {
	return r.list(ctx,
		`SELECT `+requestColumns+` FROM creation_requests WHERE status = $1 ORDER BY submitted_at ASC`,
		status)
}

// ListActiveByEpoch returns non-terminal requests pinned to epochID.
func (r *requestRepo) ListActiveByEpoch(ctx context.Context, epochID int64) ([]*ledger.Request, error) {
	return r.list(ctx,
		`SELECT `+requestColumns+` FROM creation_requests
		 WHERE epoch_id = $1 AND status IN ('pending', 'delivered', 'attested')
		 ORDER BY submitted_at ASC`,
		epochID)
}

// ListDeadlineExceeded returns non-terminal requests past expires_at.
func (r *requestRepo) ListDeadlineExceeded(ctx context.Context, now time.Time) ([]*ledger.Request, error) {
	return r.list(ctx,
		`SELECT `+requestColumns+` FROM creation_requests
		 WHERE expires_at <= $1 AND status IN ('pending', 'delivered', 'attested')
		 ORDER BY submitted_at ASC`,
		now)
}

// CountByStatus returns request counts grouped by status.
func (r *requestRepo) CountByStatus(ctx context.Context) (map[ledger.Status]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM creation_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[ledger.Status]int64)
	for rows.Next() {
		var status ledger.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// PurgeTerminalBefore removes terminal requests closed before cutoff.
func (r *requestRepo) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM creation_requests
		 WHERE status IN ('minted', 'expired', 'refunded') AND closed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge requests: %w", err)
	}
	return res.RowsAffected()
}

func (r *requestRepo) list(ctx context.Context, query string, args ...interface{}) ([]*ledger.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*ledger.Request, error) {
	var (
		req           ledger.Request
		requiredJSON  []byte
		deliveredJSON []byte
		navStr        string
		creationSize  int64
		sharesOut     int64
		fees          int64
		cashComponent int64
	)
	err := row.Scan(
		&req.ID, &req.Requester, &req.EpochID, &creationSize, &req.Status,
		&requiredJSON, &req.ToleranceBps, &deliveredJSON, &req.DeliveryProof,
		&navStr, &sharesOut, &fees, &cashComponent,
		&req.SubmittedAt, &req.DeliveredAt, &req.AttestedAt, &req.ClosedAt,
		&req.ExpiresAt, &req.CloseReason)
	if err != nil {
		return nil, err
	}

	req.CreationSize = uint64(creationSize)
	req.SharesOut = uint64(sharesOut)
	req.Fees = uint64(fees)
	req.CashComponent = uint64(cashComponent)

	if req.NavPerShare, err = decimal.NewFromString(navStr); err != nil {
		return nil, fmt.Errorf("failed to parse nav_per_share %q: %w", navStr, err)
	}
	if err := json.Unmarshal(requiredJSON, &req.RequiredBasket); err != nil {
		return nil, fmt.Errorf("failed to unmarshal required basket: %w", err)
	}
	if len(deliveredJSON) > 0 {
		if err := json.Unmarshal(deliveredJSON, &req.DeliveredBasket); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delivered basket: %w", err)
		}
	}
	return &req, nil
}

func marshalBaskets(req *ledger.Request) (required, delivered []byte, err error) {
	if required, err = json.Marshal(req.RequiredBasket); err != nil {
		return nil, nil, fmt.Errorf("failed to marshal required basket: %w", err)
	}
	if req.DeliveredBasket != nil {
		if delivered, err = json.Marshal(req.DeliveredBasket); err != nil {
			return nil, nil, fmt.Errorf("failed to marshal delivered basket: %w", err)
		}
	}
	return required, delivered, nil
}
