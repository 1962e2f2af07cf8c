package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetHistoryRetention configures automatic negotiation history pruning horizon.
func (s *Store) SetHistoryRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	s.mu.Lock()
	s.historyRetention = retention
	s.mu.Unlock()
}

// RecordNegotiationStart inserts a running negotiation and applies retention pruning.
func (s *Store) RecordNegotiationStart(record NegotiationRecord) error {
	if strings.TrimSpace(record.NegotiationID) == "" {
		return errors.New("negotiation_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = StatusRunning
	}
	if err := validateStatus(record.Status); err != nil {
		return err
	}
	if record.StartedAt == 0 {
		record.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO negotiations (
			negotiation_id,
			session_id,
			peer_id,
			direction,
			status,
			origin,
			reason,
			started_at,
			ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.NegotiationID,
		record.SessionID,
		record.PeerID,
		record.Direction,
		record.Status,
		record.Origin,
		record.Reason,
		record.StartedAt,
		nullInt64(record.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert negotiation %q: %w", record.NegotiationID, err)
	}

	cutoff := time.Now().Add(-s.retention()).UnixMilli()
	if _, err := s.PruneNegotiations(cutoff); err != nil {
		return fmt.Errorf("prune negotiations: %w", err)
	}
	return nil
}

// RecordNegotiationOutcome stores the terminal status of a negotiation.
func (s *Store) RecordNegotiationOutcome(negotiationID, status, origin, reason string) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	if status == StatusRunning {
		return errors.New("outcome status must be terminal")
	}

	res, err := s.db.Exec(
		`UPDATE negotiations SET status = ?, origin = ?, reason = ?, ended_at = ? WHERE negotiation_id = ?`,
		status,
		origin,
		reason,
		nowUnixMilli(),
		negotiationID,
	)
	if err != nil {
		return fmt.Errorf("update negotiation %q: %w", negotiationID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for negotiation update: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRootSummary upserts the per-root structural summary of a negotiation.
func (s *Store) RecordRootSummary(negotiationID string, summary RootSummary) error {
	if summary.RootID == "" {
		return errors.New("root_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO negotiation_roots (
			negotiation_id,
			root_id,
			root_key,
			partial,
			deleted,
			created,
			missing_files
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(negotiation_id, root_id) DO UPDATE SET
			root_key = excluded.root_key,
			partial = excluded.partial,
			deleted = excluded.deleted,
			created = excluded.created,
			missing_files = excluded.missing_files`,
		negotiationID,
		summary.RootID,
		summary.RootKey,
		boolToInt(summary.Partial),
		summary.Deleted,
		summary.Created,
		summary.MissingFiles,
	)
	if err != nil {
		return fmt.Errorf("insert root summary %q/%q: %w", negotiationID, summary.RootID, err)
	}
	return nil
}

// GetNegotiation returns one negotiation with its root summaries.
func (s *Store) GetNegotiation(negotiationID string) (*NegotiationRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			negotiation_id,
			session_id,
			peer_id,
			direction,
			status,
			origin,
			reason,
			started_at,
			ended_at
		FROM negotiations WHERE negotiation_id = ?`,
		negotiationID,
	)

	record, err := scanNegotiation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get negotiation %q: %w", negotiationID, err)
	}

	roots, err := s.rootSummaries(negotiationID)
	if err != nil {
		return nil, err
	}
	record.Roots = roots
	return record, nil
}

// ListNegotiations returns recent negotiations, newest first, without root summaries.
func (s *Store) ListNegotiations(filter NegotiationFilter) ([]NegotiationRecord, error) {
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" {
		if err := validateStatus(filter.Status); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		negotiation_id,
		session_id,
		peer_id,
		direction,
		status,
		origin,
		reason,
		started_at,
		ended_at
	FROM negotiations`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY started_at DESC, negotiation_id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer rows.Close()

	records := make([]NegotiationRecord, 0)
	for rows.Next() {
		record, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan negotiation row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate negotiation rows: %w", err)
	}

	return records, nil
}

// PruneNegotiations removes finished negotiations started before cutoffTimestamp.
func (s *Store) PruneNegotiations(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM negotiations WHERE started_at < ? AND status != ?`,
		cutoffTimestamp,
		StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("prune negotiations: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for negotiation prune: %w", err)
	}

	return rowsAffected, nil
}

func (s *Store) rootSummaries(negotiationID string) ([]RootSummary, error) {
	rows, err := s.db.Query(
		`SELECT root_id, root_key, partial, deleted, created, missing_files
		FROM negotiation_roots WHERE negotiation_id = ? ORDER BY root_id`,
		negotiationID,
	)
	if err != nil {
		return nil, fmt.Errorf("get root summaries %q: %w", negotiationID, err)
	}
	defer rows.Close()

	summaries := make([]RootSummary, 0)
	for rows.Next() {
		var (
			summary RootSummary
			partial int
		)
		if err := rows.Scan(
			&summary.RootID,
			&summary.RootKey,
			&partial,
			&summary.Deleted,
			&summary.Created,
			&summary.MissingFiles,
		); err != nil {
			return nil, fmt.Errorf("scan root summary row: %w", err)
		}
		summary.Partial = partial != 0
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate root summary rows: %w", err)
	}
	return summaries, nil
}

func scanNegotiation(row scanner) (*NegotiationRecord, error) {
	var (
		record  NegotiationRecord
		endedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.NegotiationID,
		&record.SessionID,
		&record.PeerID,
		&record.Direction,
		&record.Status,
		&record.Origin,
		&record.Reason,
		&record.StartedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	record.EndedAt = int64Ptr(endedAt)
	return &record, nil
}
