package smtp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-smtp"
)

func reply(code int, enhanced smtp.EnhancedCode, format string, args ...any) *smtp.SMTPError {
	return &smtp.SMTPError{Code: code, EnhancedCode: enhanced, Message: fmt.Sprintf(format, args...)}
}

// formatReply renders a reply line. Replies without an enhanced status code
// (zero or negative) are rendered as "<code> <text>".
func formatReply(r *smtp.SMTPError) string {
	if r.EnhancedCode[0] <= 0 {
		return fmt.Sprintf("%d %s", r.Code, r.Message)
	}
	e := r.EnhancedCode
	return fmt.Sprintf("%d %d.%d.%d %s", r.Code, e[0], e[1], e[2], r.Message)
}

var (
	replyOK             = reply(250, smtp.EnhancedCode{2, 0, 0}, "OK")
	replyBadSequence    = reply(503, smtp.EnhancedCode{5, 5, 1}, "Bad sequence of commands")
	replyNeedHelo       = reply(503, smtp.EnhancedCode{5, 5, 1}, "Send HELO/EHLO first")
	replyUnknownCommand = reply(500, smtp.EnhancedCode{5, 5, 2}, "Command not recognized")
	replyLineTooLong    = reply(500, smtp.EnhancedCode{5, 5, 6}, "Line too long")
	replyTLSRequired    = reply(530, smtp.EnhancedCode{5, 7, 0}, "Must issue a STARTTLS command first")
	replyAuthRequired   = reply(530, smtp.EnhancedCode{5, 7, 0}, "Authentication required")
	replyLocalError     = reply(451, smtp.EnhancedCode{4, 3, 0}, "Requested action aborted: local error in processing")
	replyTooBig         = reply(552, smtp.EnhancedCode{5, 3, 4}, "Message size exceeds fixed maximum message size")
)

// parsePath parses the argument of MAIL or RCPT: "<prefix><path> [params]".
// The angle brackets are optional. It returns the normalised address and
// the ESMTP parameters keyed by upper-case name.
func parsePath(arg, prefix string) (string, map[string]string, error) {
	arg = strings.TrimSpace(arg)
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, fmt.Errorf("expected %s", prefix)
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	var path string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated path")
		}
		path, rest = rest[1:end], rest[end+1:]
	} else {
		path, rest, _ = strings.Cut(rest, " ")
	}

	params := make(map[string]string)
	for _, p := range strings.Fields(rest) {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}

	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return "", params, nil
	}
	// Source routes (@a,@b:user@host) are accepted and ignored.
	if i := strings.LastIndexByte(path, ':'); i >= 0 && strings.HasPrefix(path, "@") {
		path = path[i+1:]
	}
	if !validAddress(path) {
		return "", nil, fmt.Errorf("invalid address %q", path)
	}
	return path, params, nil
}

func validAddress(addr string) bool {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return false
	}
	return !strings.ContainsAny(addr, " \t<>()[],;")
}

func parseSizeParam(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid SIZE parameter %q", v)
	}
	return n, nil
}
