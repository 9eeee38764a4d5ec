package wire

import (
	"fmt"
	"time"

	"github.com/taskfabric/taskmessenger/internal/taskerr"
)

// TaskMessage owns a header, a payload buffer, and the time it was
// created. It is the unit of work that flows from a producer, through
// the Task Message Pool, into a Session's write loop.
//
// Invariant: Header.BodySize == len(Payload). NewTaskMessage enforces
// this at construction; callers must not mutate Payload afterward in a
// way that breaks it.
type TaskMessage struct {
	Header    TaskHeader
	Payload   []byte
	CreatedAt time.Time
}

// NewTaskMessage constructs a TaskMessage, deriving Header.BodySize from
// len(payload) and stamping CreatedAt with now.
func NewTaskMessage(taskID, skillID uint32, payload []byte, now time.Time) (TaskMessage, error) {
	if len(payload) > int(^uint32(0)) {
		return TaskMessage{}, fmt.Errorf("%w: payload too large for u32 body_size", taskerr.ErrProtocol)
	}
	return TaskMessage{
		Header: TaskHeader{
			TaskID:   taskID,
			BodySize: uint32(len(payload)),
			SkillID:  skillID,
		},
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// InvalidTaskMessage is the sentinel value a waiter observes after the
// pool has been shut down: IsValid reports false, and the session loop
// treats it as PoolShutdown.
var InvalidTaskMessage = TaskMessage{}

// IsValid reports whether m carries a real (nonzero) task id.
func (m TaskMessage) IsValid() bool {
	return m.Header.TaskID != 0
}

// Age returns the elapsed time since m was created.
func (m TaskMessage) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// WireBytes returns the encoded header and the payload span, ready for a
// scatter-gather write: (header[:], payload).
func (m TaskMessage) WireBytes() ([HeaderSize]byte, []byte) {
	return m.Header.Encode(), m.Payload
}
