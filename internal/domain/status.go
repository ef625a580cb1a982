package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ActionStatus is the confirmation level an action has reached in the sequencing runtime.
type ActionStatus int

const (
	StatusSubmitted ActionStatus = iota
	StatusAccepted
	StatusRejected
	StatusFinalized
)

// ParseActionStatus maps a config string onto a status level.
func ParseActionStatus(s string) (ActionStatus, bool) {
	switch s {
	case "submitted":
		return StatusSubmitted, true
	case "accepted":
		return StatusAccepted, true
	case "rejected":
		return StatusRejected, true
	case "finalized":
		return StatusFinalized, true
	}
	return 0, false
}

func (s ActionStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ActionNotification announces a status change of one action.
type ActionNotification struct {
	ActionHash common.Hash  `json:"action_hash"`
	ActionName ActionName   `json:"action_name"`
	Status     ActionStatus `json:"status"`
	Timestamp  time.Time    `json:"ts"`
	// Reason carries the rejection kind for StatusRejected.
	Reason ErrorKind `json:"reason,omitempty"`
}
