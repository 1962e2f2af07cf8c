package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionIncoming records a negotiation that received a project.
	DirectionIncoming = "incoming"
	// DirectionOutgoing records a negotiation that offered a project.
	DirectionOutgoing = "outgoing"
)

const (
	StatusRunning   = "running"
	StatusOK        = "ok"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// NegotiationRecord is the SQLite representation of one negotiation run.
type NegotiationRecord struct {
	NegotiationID string
	SessionID     string
	PeerID        string
	Direction     string
	Status        string
	Origin        string
	Reason        string
	StartedAt     int64
	EndedAt       *int64
	Roots         []RootSummary
}

// RootSummary stores the structural changes a negotiation applied to one shared root.
type RootSummary struct {
	RootID       string
	RootKey      string
	Partial      bool
	Deleted      int
	Created      int
	MissingFiles int
}

// NegotiationFilter narrows ListNegotiations query results.
type NegotiationFilter struct {
	PeerID    string
	Direction string
	Status    string
	Limit     int
	Offset    int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionIncoming, DirectionOutgoing:
		return nil
	default:
		return fmt.Errorf("invalid negotiation direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusRunning, StatusOK, StatusCancelled, StatusError:
		return nil
	default:
		return fmt.Errorf("invalid negotiation status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
