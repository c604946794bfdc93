package locker

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Instruction is the decoded msg attached to an inbound transfer.
type Instruction struct {
	UnlockTimeSec uint32
}

type lockInstruction struct {
	UnlockTimeSec *uint32 `json:"unlock_time_sec"`
}

// ParseInstruction decodes {"Lock":{"unlock_time_sec":N}}. Any other tag or
// shape is ErrMalformedMessage.
func ParseInstruction(msg string) (Instruction, error) {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg), &tagged); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	raw, ok := tagged["Lock"]
	if !ok || len(tagged) != 1 {
		return Instruction{}, fmt.Errorf("%w: expected a single Lock variant", ErrMalformedMessage)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var body lockInstruction
	if err := dec.Decode(&body); err != nil {
		return Instruction{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if body.UnlockTimeSec == nil {
		return Instruction{}, fmt.Errorf("%w: missing unlock_time_sec", ErrMalformedMessage)
	}
	return Instruction{UnlockTimeSec: *body.UnlockTimeSec}, nil
}

// LockMessage renders the msg that ParseInstruction accepts.
func LockMessage(unlockTimeSec uint32) string {
	return fmt.Sprintf(`{"Lock":{"unlock_time_sec":%d}}`, unlockTimeSec)
}
