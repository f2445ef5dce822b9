package model

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Target is a named destination on the channel, with an optional text
// appended to every message sent to it.
type Target struct {
	Name   string `json:"name"`
	Suffix string `json:"suffix,omitempty"`
}

// ValidateTargets rejects empty and duplicate names.
func ValidateTargets(ts []Target) error {
	seen := make(map[string]struct{}, len(ts))
	for i, t := range ts {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("%w: target #%d has an empty name", ErrInvalidInput, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate target %q", ErrInvalidInput, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ComposeMessage joins the base message and the target suffix with a single
// newline. Trailing blank lines are trimmed from the result.
func ComposeMessage(base, suffix string) string {
	base = trimTrailingBlank(base)
	suffix = trimTrailingBlank(suffix)
	if strings.TrimSpace(suffix) == "" {
		return base
	}
	return base + "\n" + suffix
}

func trimTrailingBlank(s string) string {
	return strings.TrimRight(s, " \t\r\n")
}

// DispatchResult lists the outcome of one broadcast attempt in target order.
type DispatchResult struct {
	Sent   []string       `json:"sentTargets"`
	Failed []FailedTarget `json:"failedTargets"`
}

// Summary renders a bounded description of the failures: at most maxItems
// entries, each error cut to maxErrLen bytes.
func (r DispatchResult) Summary(maxItems, maxErrLen int) string {
	if len(r.Failed) == 0 {
		return ""
	}
	if maxItems <= 0 {
		maxItems = 3
	}
	total := len(r.Sent) + len(r.Failed)
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d targets failed: ", len(r.Failed), total)
	for i, f := range r.Failed {
		if i == maxItems {
			fmt.Fprintf(&b, "; and %d more", len(r.Failed)-maxItems)
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Target)
		b.WriteString(": ")
		b.WriteString(truncate(f.Error, maxErrLen))
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	suffix := "..."
	if n < 4 {
		suffix = ""
	}
	cut := n - len(suffix)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix
}
