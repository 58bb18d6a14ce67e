// internal/driver/galil/protocol.go
package galil

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// ThreadCount is the number of execution threads on the controller
	ThreadCount = 8

	// Terminator ends every command sent to the controller
	Terminator = "\r"

	ackChar    = ':'
	rejectChar = '?'

	maxReplyBytes = 4096
)

// Reply is one framed controller response
type Reply struct {
	Payload string
	Acks    string
}

// OK reports whether every sub-command was acknowledged
func (r Reply) OK() bool {
	return r.Acks != "" && !strings.ContainsRune(r.Acks, rejectChar)
}

// Encode builds "<vars>;XQ#<subroutine>,<thread>"
func Encode(vars []string, subroutine string, thread int) string {
	parts := make([]string, 0, len(vars)+1)
	parts = append(parts, vars...)
	parts = append(parts, fmt.Sprintf("XQ#%s,%d", subroutine, thread))
	return strings.Join(parts, ";")
}

// SubCommands counts the semicolon-joined parts of message, each of which
// is answered by one acknowledgment character
func SubCommands(message string) int {
	return strings.Count(strings.TrimSuffix(message, Terminator), ";") + 1
}

// ThreadStatusCommand asks for the program counter of every thread
func ThreadStatusCommand() string {
	fields := make([]string, ThreadCount)
	for i := range fields {
		fields[i] = fmt.Sprintf("_XQ%d", i)
	}
	return "MG " + strings.Join(fields, ",")
}

// isAck reports whether data[i] is an acknowledgment character rather
// than payload text. Ack characters only count at the start of a reply or
// after a line ending, a space or another ack character.
func isAck(data []byte, i int) bool {
	if data[i] != ackChar && data[i] != rejectChar {
		return false
	}
	if i == 0 {
		return true
	}
	switch data[i-1] {
	case '\r', '\n', ' ', ackChar, rejectChar:
		return true
	}
	return false
}

// ackSplit frames a reply containing expected acknowledgment characters
func ackSplit(expected int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		acks := 0
		for i := range data {
			if !isAck(data, i) {
				continue
			}
			acks++
			if acks == expected {
				return i + 1, data[:i+1], nil
			}
		}
		if len(data) > maxReplyBytes {
			return 0, nil, fmt.Errorf("%w: %d bytes without acknowledgment", ErrProtocolViolation, len(data))
		}
		return 0, nil, nil
	}
}

// parseReply separates payload text from acknowledgment characters and
// normalizes payload line endings
func parseReply(token []byte) Reply {
	var acks strings.Builder
	payload := make([]byte, 0, len(token))
	for i, b := range token {
		if isAck(token, i) {
			acks.WriteByte(b)
			continue
		}
		payload = append(payload, b)
	}

	text := strings.ReplaceAll(string(payload), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return Reply{
		Payload: strings.TrimSpace(text),
		Acks:    acks.String(),
	}
}

// ParseThreadStatus parses the reply to ThreadStatusCommand. A thread is
// running when its program counter is non-negative.
func ParseThreadStatus(payload string) ([]bool, error) {
	fields := strings.Fields(strings.ReplaceAll(payload, ",", " "))
	if len(fields) != ThreadCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d in %q", ErrStatusUncertain, ThreadCount, len(fields), payload)
	}

	running := make([]bool, ThreadCount)
	for i, field := range fields {
		counter, err := decimal.NewFromString(field)
		if err != nil {
			return nil, fmt.Errorf("%w: thread %d: %q", ErrStatusUncertain, i, field)
		}
		running[i] = !counter.IsNegative()
	}
	return running, nil
}

// NormalizeNumber rewrites a numeric payload in canonical decimal form,
// keeping the number of fractional digits. Non-numeric payloads are
// returned unchanged.
func NormalizeNumber(payload string) string {
	value, err := decimal.NewFromString(payload)
	if err != nil {
		return payload
	}
	places := int32(0)
	if idx := strings.IndexByte(payload, '.'); idx >= 0 {
		for _, r := range payload[idx+1:] {
			if r < '0' || r > '9' {
				break
			}
			places++
		}
	}
	return value.StringFixed(places)
}
