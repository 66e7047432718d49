package types

type Status string

const (
	StatusPending   Status = "pending"   // source burn seen, waiting for confirmations
	StatusConfirmed Status = "confirmed" // burn confirmed, message not extracted yet
	StatusAttesting Status = "attesting" // waiting for the attestation service
	StatusMinting   Status = "minting"   // receiveMessage submitted or about to be
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var AllStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusAttesting,
	StatusMinting,
	StatusCompleted,
	StatusFailed,
}

var order = map[Status]int{
	StatusPending:   0,
	StatusConfirmed: 1,
	StatusAttesting: 2,
	StatusMinting:   3,
	StatusCompleted: 4,
}

func (s Status) Valid() bool {
	_, ok := order[s]
	return ok || s == StatusFailed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanMoveTo reports whether next is reachable from s in one step. Statuses
// advance one stage at a time; failed is reachable from confirmed, attesting
// and minting.
func (s Status) CanMoveTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == s {
		return true
	}
	if next == StatusFailed {
		return s == StatusConfirmed || s == StatusAttesting || s == StatusMinting
	}
	return order[next] == order[s]+1
}
