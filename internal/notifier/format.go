package notifier

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"delegator/internal/task"
)

// Format renders the message injected into the parent session.
func Format(o Outcome, maxChars int) string {
	var b strings.Builder
	switch o.Status {
	case task.StatusCompleted:
		fmt.Fprintf(&b, "[background task %s completed]\n", o.TaskID)
		fmt.Fprintf(&b, "Agent %q finished after %s.\n\n", o.AgentKind, roundDuration(o.Duration))
		text, cut := Excerpt(o.Result, maxChars)
		b.WriteString(text)
		if cut > 0 {
			fmt.Fprintf(&b, "\n\n[output truncated: %d more characters; fetch the full result of task %s]", cut, o.TaskID)
		}
	case task.StatusFailed:
		fmt.Fprintf(&b, "[background task %s failed]\n", o.TaskID)
		fmt.Fprintf(&b, "Agent %q stopped after %s.\n\nError: %s", o.AgentKind, roundDuration(o.Duration), o.Error)
	default:
		fmt.Fprintf(&b, "[background task %s %s]", o.TaskID, o.Status)
	}
	return b.String()
}

// Excerpt cuts s to at most max runes on a line or word boundary when one is
// close. It returns the kept text and how many runes were dropped.
func Excerpt(s string, max int) (string, int) {
	total := utf8.RuneCountInString(s)
	if max <= 0 || total <= max {
		return s, 0
	}
	runes := []rune(s)
	cut := max
	// Prefer a newline, then a space, in the second half of the window.
	floor := max / 2
	if i := lastIndex(runes[:max], '\n'); i >= floor {
		cut = i
	} else if i := lastIndex(runes[:max], ' '); i >= floor {
		cut = i
	}
	kept := strings.TrimRight(string(runes[:cut]), " \n")
	return kept, total - utf8.RuneCountInString(kept)
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second)
	case d >= time.Second:
		return d.Round(100 * time.Millisecond)
	default:
		return d.Round(time.Millisecond)
	}
}
