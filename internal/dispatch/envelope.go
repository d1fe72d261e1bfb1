// Package dispatch moves admitted frames from the in-process queue to the
// workers and carries worker replies back to the owning connection. The
// bridge drains the queue onto a shared Redis work list; workers block-pop
// the list, run the protocol, and push replies onto per-connection
// response lists that the frontend polls.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/immortal/internal/queue"
)

// Envelope is the work-list wire format. Client frames are JSON arrays,
// so Data embeds verbatim instead of going through base64. Short field
// names keep the hot-path payload small.
type Envelope struct {
	ConnID   string          `json:"c"`
	Data     json.RawMessage `json:"d"`
	Priority int             `json:"p"`
	QueuedAt int64           `json:"t"` // unix milliseconds at admission
}

// EncodeMessage wraps a queued message for the work list.
func EncodeMessage(m queue.Message) ([]byte, error) {
	if !json.Valid(m.Data) {
		return nil, fmt.Errorf("dispatch: frame for conn %s is not valid JSON", m.ConnID)
	}
	return json.Marshal(Envelope{
		ConnID:   m.ConnID,
		Data:     json.RawMessage(m.Data),
		Priority: int(m.Priority),
		QueuedAt: m.EnqueuedAt.UnixMilli(),
	})
}

// DecodeEnvelope parses a work-list item.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("dispatch: bad envelope: %w", err)
	}
	if env.ConnID == "" {
		return nil, fmt.Errorf("dispatch: envelope missing connection id")
	}
	return &env, nil
}

// ResponseKey names the response list the frontend polls for a connection.
func ResponseKey(connID string) string {
	return "resp:" + connID
}
