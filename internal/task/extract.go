package task

import (
	"encoding/binary"
	"hash/fnv"
	"strings"

	"delegator/internal/session"
)

// Fingerprint hashes the externally visible transcript. Two snapshots with
// the same content hash equal regardless of slice identity; any change in
// role, timestamp, or part content changes the hash.
func Fingerprint(msgs []session.Message) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	sep := []byte{0}
	for _, m := range msgs {
		_, _ = h.Write([]byte(m.ID))
		_, _ = h.Write(sep)
		_, _ = h.Write([]byte(m.Role))
		_, _ = h.Write(sep)
		binary.LittleEndian.PutUint64(buf[:], uint64(m.CreatedAt.UnixNano()))
		_, _ = h.Write(buf[:])
		for _, p := range m.Parts {
			_, _ = h.Write([]byte(p.Kind))
			_, _ = h.Write(sep)
			_, _ = h.Write([]byte(p.Tool))
			_, _ = h.Write(sep)
			_, _ = h.Write([]byte(p.Text))
			_, _ = h.Write(sep)
		}
		_, _ = h.Write([]byte{0xff})
	}
	return h.Sum64()
}

// latestAgentMessage picks the most recently created assistant message.
// Equal timestamps resolve to the later position in the transcript.
func latestAgentMessage(msgs []session.Message) (session.Message, bool) {
	idx := -1
	for i, m := range msgs {
		if m.Role != session.RoleAssistant {
			continue
		}
		if idx < 0 || !m.CreatedAt.Before(msgs[idx].CreatedAt) {
			idx = i
		}
	}
	if idx < 0 {
		return session.Message{}, false
	}
	return msgs[idx], true
}

// joinText concatenates the text parts of m in order, with no separator.
func joinText(m session.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == session.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ExtractResult returns the final output of a settled session: the text
// parts of the latest agent message, concatenated in order.
func ExtractResult(sessionID string, msgs []session.Message) (string, error) {
	m, ok := latestAgentMessage(msgs)
	if !ok {
		return "", &ExtractionError{SessionID: sessionID, Reason: "no agent message in transcript"}
	}
	text := joinText(m)
	if strings.TrimSpace(text) == "" {
		return "", &ExtractionError{SessionID: sessionID, Reason: "latest agent message has no text"}
	}
	return text, nil
}

// ProgressOf summarizes a transcript for operator visibility.
func ProgressOf(msgs []session.Message) Progress {
	p := Progress{Messages: len(msgs)}
	for _, m := range msgs {
		for _, part := range m.Parts {
			if part.Kind == session.PartToolCall {
				p.ToolCalls++
				if part.Tool != "" {
					p.LastTool = part.Tool
				}
			}
		}
	}
	if m, ok := latestAgentMessage(msgs); ok {
		p.Partial = joinText(m)
	}
	return p
}
