package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Record is one entry in the operations log: a before/after snapshot of a
// single aggregate mutation, hash-chained to its predecessor.
type Record struct {
	Seq        int64
	OccurredAt time.Time
	RecordedAt time.Time
	Actor      string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}
