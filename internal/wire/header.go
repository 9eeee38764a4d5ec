// Package wire implements the Task Messenger framing protocol: a fixed
// 12-byte header (three little-endian uint32s) followed by an opaque
// payload of header.BodySize bytes.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/taskfabric/taskmessenger/internal/taskerr"
)

// HeaderSize is the fixed wire size of a TaskHeader, in bytes.
const HeaderSize = 12

// TaskHeader is the 12-byte frame header: task_id, body_size, skill_id,
// each a little-endian uint32. A TaskID of 0 is the invalid/sentinel
// value used to signal pool shutdown to a waiting session.
type TaskHeader struct {
	TaskID   uint32
	BodySize uint32
	SkillID  uint32
}

// Encode writes h to a fresh 12-byte little-endian buffer.
func (h TaskHeader) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.TaskID)
	binary.LittleEndian.PutUint32(buf[4:8], h.BodySize)
	binary.LittleEndian.PutUint32(buf[8:12], h.SkillID)
	return buf
}

// DecodeHeader parses a 12-byte little-endian buffer into a TaskHeader.
// Returns taskerr.ErrProtocol if buf is short.
func DecodeHeader(buf []byte) (TaskHeader, error) {
	if len(buf) < HeaderSize {
		return TaskHeader{}, fmt.Errorf("%w: short header (%d bytes)", taskerr.ErrProtocol, len(buf))
	}
	return TaskHeader{
		TaskID:   binary.LittleEndian.Uint32(buf[0:4]),
		BodySize: binary.LittleEndian.Uint32(buf[4:8]),
		SkillID:  binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// Validate checks the framing invariants: a nonzero task_id and a body
// size within maxBodySize.
func (h TaskHeader) Validate(maxBodySize uint32) error {
	if h.TaskID == 0 {
		return fmt.Errorf("%w: task_id is zero", taskerr.ErrProtocol)
	}
	if maxBodySize > 0 && h.BodySize > maxBodySize {
		return fmt.Errorf("%w: body_size %d exceeds maximum %d", taskerr.ErrProtocol, h.BodySize, maxBodySize)
	}
	return nil
}
