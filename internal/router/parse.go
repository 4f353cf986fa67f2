package router

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// command is a parsed announcement command.
type command struct {
	Sub  string // add, preview, list, cancel, check, mention
	Args string // raw remainder, may span lines
}

// parseCommand recognizes "/announce <sub> ..." and the long-form
// "/announcement <sub> ..." alias, with an optional @botname suffix.
func parseCommand(text, botName string) (command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	head, rest, _ := strings.Cut(text, " ")
	if at := strings.IndexByte(head, '@'); at > 0 {
		if botName != "" && !strings.EqualFold(head[at+1:], botName) {
			return command{}, false
		}
		head = head[:at]
	}
	switch strings.ToLower(head) {
	case "/announce", "/announcement":
	default:
		return command{}, false
	}

	rest = strings.TrimSpace(rest)
	sub, args, _ := strings.Cut(rest, " ")
	sub = strings.ToLower(strings.TrimSpace(sub))
	switch sub {
	case "add", "preview", "list", "cancel", "check", "mention":
		return command{Sub: sub, Args: strings.TrimSpace(args)}, true
	default:
		return command{Sub: sub}, true // unknown sub; reported by the dispatcher
	}
}

// parseTrigger accepts a relative duration ("10s", "2h30m"), RFC 3339,
// or a local "2006-01-02T15:04" timestamp.
func parseTrigger(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty trigger time")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", s, now.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want 10m, RFC 3339, or 2006-01-02T15:04)", s)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid announcement id %q", s)
	}
	return id, nil
}

// parseBridgePrefix extracts the relayed author from a bridge-bot
// message of the form "name: body". Returns ok=false when the message
// does not carry the prefix.
func parseBridgePrefix(text string) (name, body string, ok bool) {
	head, rest, found := strings.Cut(text, ": ")
	if !found {
		return "", "", false
	}
	head = strings.TrimSpace(head)
	if head == "" || strings.ContainsAny(head, "\n/") {
		return "", "", false
	}
	return head, rest, true
}
