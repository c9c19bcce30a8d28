package qc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fedutinova/fluxqc/internal/common"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/flag"
	"github.com/jackc/pgx/v5"
)

// Manager reads and writes QC records. Multi-row operations are atomic: they
// open their own transaction unless the manager is already bound to one.
type Manager struct {
	db *database.DB
	q  database.Querier
}

func NewManager(db *database.DB) *Manager {
	return &Manager{db: db, q: db.Pool()}
}

// WithTx returns a manager whose operations run inside tx.
func (m *Manager) WithTx(tx database.Tx) *Manager {
	return &Manager{q: tx}
}

func (m *Manager) inTx(ctx context.Context, fn func(q database.Querier) error) error {
	if m.db == nil {
		return fn(m.q)
	}
	return m.db.WithTx(ctx, func(tx pgx.Tx) error { return fn(tx) })
}

func rowsRequired(rows []int) error {
	if len(rows) == 0 {
		return common.MissingParameter("rows")
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EnsureRecord creates the row's QC record on first automatic QC and
// refreshes its value-used indicators on reruns.
func (m *Manager) EnsureRecord(ctx context.Context, datasetID int64, row int, used ValueUsed) error {
	args := append([]any{datasetID, row}, used.columns()...)
	_, err := m.q.Exec(ctx, `
		INSERT INTO qc (dataset_id, row_number,
			intake_temp_1_used, intake_temp_2_used, intake_temp_3_used,
			salinity_1_used, salinity_2_used, salinity_3_used,
			eqt_1_used, eqt_2_used, eqt_3_used,
			eqp_1_used, eqp_2_used, eqp_3_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (dataset_id, row_number) DO UPDATE SET
			intake_temp_1_used = EXCLUDED.intake_temp_1_used,
			intake_temp_2_used = EXCLUDED.intake_temp_2_used,
			intake_temp_3_used = EXCLUDED.intake_temp_3_used,
			salinity_1_used = EXCLUDED.salinity_1_used,
			salinity_2_used = EXCLUDED.salinity_2_used,
			salinity_3_used = EXCLUDED.salinity_3_used,
			eqt_1_used = EXCLUDED.eqt_1_used,
			eqt_2_used = EXCLUDED.eqt_2_used,
			eqt_3_used = EXCLUDED.eqt_3_used,
			eqp_1_used = EXCLUDED.eqp_1_used,
			eqp_2_used = EXCLUDED.eqp_2_used,
			eqp_3_used = EXCLUDED.eqp_3_used`, args...)
	if err != nil {
		return fmt.Errorf("ensure qc record: %w", err)
	}
	return nil
}

// SetAutomaticFlag overwrites the row's automatic result. The human flag and
// comment are overwritten too, with the same flag and the short messages, as
// the default a reviewer starts from.
func (m *Manager) SetAutomaticFlag(ctx context.Context, datasetID int64, row int, f flag.Flag, messages []flag.Message) error {
	if err := flag.ValidateStored(f); err != nil {
		return err
	}
	if (f == flag.NotSet || f == flag.Good) && len(messages) > 0 {
		return common.ValidationError{Field: "messages", Message: fmt.Sprintf("%s flag cannot carry messages", f)}
	}

	tag, err := m.q.Exec(ctx, `
		UPDATE qc SET qc_flag = $3, qc_message = $4, woce_flag = $3, woce_comment = $5
		WHERE dataset_id = $1 AND row_number = $2`,
		datasetID, row, int(f), nullable(flag.Encode(messages)), nullable(flag.Summary(messages)))
	if err != nil {
		return fmt.Errorf("set automatic flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("row %d: %w", row, common.ErrQCRecordNotFound)
	}
	return nil
}

// AcceptAutomaticFlags copies the automatic flag and message summary of each
// listed row into its human fields. Unlisted rows are untouched.
func (m *Manager) AcceptAutomaticFlags(ctx context.Context, datasetID int64, rows []int) error {
	if err := rowsRequired(rows); err != nil {
		return err
	}
	return m.inTx(ctx, func(q database.Querier) error {
		dbRows, err := q.Query(ctx, `
			SELECT row_number, qc_flag, COALESCE(qc_message, '')
			FROM qc WHERE dataset_id = $1 AND row_number = ANY($2)
			FOR UPDATE`, datasetID, rows)
		if err != nil {
			return fmt.Errorf("load automatic flags: %w", err)
		}
		type pending struct {
			row     int
			f       flag.Flag
			comment string
		}
		var updates []pending
		for dbRows.Next() {
			var p pending
			var codes string
			if err := dbRows.Scan(&p.row, &p.f, &codes); err != nil {
				dbRows.Close()
				return fmt.Errorf("scan automatic flag: %w", err)
			}
			msgs, err := flag.Decode(codes)
			if err != nil {
				dbRows.Close()
				return fmt.Errorf("row %d: %w", p.row, err)
			}
			p.comment = flag.Summary(msgs)
			updates = append(updates, p)
		}
		dbRows.Close()
		if err := dbRows.Err(); err != nil {
			return fmt.Errorf("load automatic flags: %w", err)
		}
		if len(updates) != len(uniqueRows(rows)) {
			return fmt.Errorf("%d of %d rows: %w", len(uniqueRows(rows))-len(updates), len(uniqueRows(rows)), common.ErrQCRecordNotFound)
		}

		for _, p := range updates {
			_, err := q.Exec(ctx, `
				UPDATE qc SET woce_flag = $3, woce_comment = $4
				WHERE dataset_id = $1 AND row_number = $2`,
				datasetID, p.row, int(p.f), nullable(p.comment))
			if err != nil {
				return fmt.Errorf("accept automatic flag for row %d: %w", p.row, err)
			}
		}
		return nil
	})
}

func uniqueRows(rows []int) map[int]struct{} {
	out := make(map[int]struct{}, len(rows))
	for _, r := range rows {
		out[r] = struct{}{}
	}
	return out
}

// SetHumanFlags sets the human flag and comment of every listed row. Any flag
// other than GOOD needs a comment.
func (m *Manager) SetHumanFlags(ctx context.Context, datasetID int64, rows []int, f flag.Flag, comment string) error {
	if err := rowsRequired(rows); err != nil {
		return err
	}
	if err := flag.ValidateStored(f); err != nil {
		return err
	}
	comment = strings.TrimSpace(comment)
	if f != flag.Good && comment == "" {
		return common.MissingParameter("comment")
	}

	return m.inTx(ctx, func(q database.Querier) error {
		tag, err := q.Exec(ctx, `
			UPDATE qc SET woce_flag = $3, woce_comment = $4
			WHERE dataset_id = $1 AND row_number = ANY($2)`,
			datasetID, rows, int(f), nullable(comment))
		if err != nil {
			return fmt.Errorf("set human flags: %w", err)
		}
		if want := int64(len(uniqueRows(rows))); tag.RowsAffected() != want {
			return fmt.Errorf("%d of %d rows: %w", want-tag.RowsAffected(), want, common.ErrQCRecordNotFound)
		}
		return nil
	})
}

const clearFlags = `qc_flag = 0, qc_message = NULL, woce_flag = 0, woce_comment = NULL`

// ResetByFlagAndMessage clears every row whose human flag and comment match,
// undoing an earlier bulk operation. It returns the number of rows reset.
func (m *Manager) ResetByFlagAndMessage(ctx context.Context, datasetID int64, f flag.Flag, comment string) (int64, error) {
	if err := flag.ValidateStored(f); err != nil {
		return 0, err
	}
	tag, err := m.q.Exec(ctx, `
		UPDATE qc SET `+clearFlags+`
		WHERE dataset_id = $1 AND woce_flag = $2 AND COALESCE(woce_comment, '') = $3`,
		datasetID, int(f), comment)
	if err != nil {
		return 0, fmt.Errorf("reset qc flags: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetByRow clears one row's automatic and human fields.
func (m *Manager) ResetByRow(ctx context.Context, datasetID int64, row int) error {
	tag, err := m.q.Exec(ctx, `UPDATE qc SET `+clearFlags+` WHERE dataset_id = $1 AND row_number = $2`, datasetID, row)
	if err != nil {
		return fmt.Errorf("reset qc row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("row %d: %w", row, common.ErrQCRecordNotFound)
	}
	return nil
}

// Clear deletes every QC record of the dataset, used before automatic QC is
// rerun from scratch.
func (m *Manager) Clear(ctx context.Context, datasetID int64) error {
	if _, err := m.q.Exec(ctx, `DELETE FROM qc WHERE dataset_id = $1`, datasetID); err != nil {
		return fmt.Errorf("clear qc records: %w", err)
	}
	return nil
}

const recordColumns = `dataset_id, row_number,
	intake_temp_1_used, intake_temp_2_used, intake_temp_3_used,
	salinity_1_used, salinity_2_used, salinity_3_used,
	eqt_1_used, eqt_2_used, eqt_3_used,
	eqp_1_used, eqp_2_used, eqp_3_used,
	qc_flag, COALESCE(qc_message, ''), woce_flag, COALESCE(woce_comment, '')`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var codes string
	targets := append([]any{&r.DatasetID, &r.Row}, r.ValueUsed.scanTargets()...)
	targets = append(targets, &r.AutoFlag, &codes, &r.HumanFlag, &r.HumanComment)
	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	msgs, err := flag.Decode(codes)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", r.Row, err)
	}
	r.AutoMessages = msgs
	return &r, nil
}

// Get returns the row's QC record or common.ErrQCRecordNotFound.
func (m *Manager) Get(ctx context.Context, datasetID int64, row int) (*Record, error) {
	r, err := scanRecord(m.q.QueryRow(ctx, `SELECT `+recordColumns+` FROM qc WHERE dataset_id = $1 AND row_number = $2`, datasetID, row))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("row %d: %w", row, common.ErrQCRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get qc record: %w", err)
	}
	return r, nil
}

func (m *Manager) Messages(ctx context.Context, datasetID int64, row int) ([]flag.Message, error) {
	r, err := m.Get(ctx, datasetID, row)
	if err != nil {
		return nil, err
	}
	return r.AutoMessages, nil
}

func (m *Manager) AutomaticFlag(ctx context.Context, datasetID int64, row int) (flag.Flag, error) {
	r, err := m.Get(ctx, datasetID, row)
	if err != nil {
		return flag.NotSet, err
	}
	return r.AutoFlag, nil
}

func (m *Manager) HumanFlag(ctx context.Context, datasetID int64, row int) (flag.Flag, error) {
	r, err := m.Get(ctx, datasetID, row)
	if err != nil {
		return flag.NotSet, err
	}
	return r.HumanFlag, nil
}

// Records returns the dataset's QC records whose human flag is at least
// minHuman, ordered by row. Sentinel flags are not valid thresholds.
func (m *Manager) Records(ctx context.Context, datasetID int64, minHuman flag.Flag) ([]Record, error) {
	if err := flag.ValidateStored(minHuman); err != nil {
		return nil, err
	}
	rows, err := m.q.Query(ctx, `SELECT `+recordColumns+` FROM qc
		WHERE dataset_id = $1 AND woce_flag >= $2 ORDER BY row_number`, datasetID, int(minHuman))
	if err != nil {
		return nil, fmt.Errorf("list qc records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan qc record: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
