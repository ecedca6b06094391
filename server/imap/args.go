package imap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokenAtom tokenKind = iota
	tokenString
	tokenList
)

// token is one parsed command argument. Quoted strings and literals are
// both tokenString with the decoded value; lists carry their children.
type token struct {
	kind  tokenKind
	value string
	list  []token
}

func (t token) String() string {
	switch t.kind {
	case tokenList:
		parts := make([]string, len(t.list))
		for i, c := range t.list {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return t.value
	}
}

var (
	errUnbalanced    = errors.New("unbalanced parentheses")
	errUnclosedQuote = errors.New("unclosed quoted string")
	errBadLiteral    = errors.New("malformed literal")
)

// parseArgs tokenizes the argument part of a command. Literals appear
// inline in wire form, "{n}\r\n" followed by n bytes. Atoms may contain a
// bracketed section with spaces and parentheses, as in
// BODY[HEADER.FIELDS (From To)]<0.100>.
func parseArgs(s string) ([]token, error) {
	p := &tokenizer{s: s}
	toks, err := p.parseList(false)
	if err != nil {
		return nil, err
	}
	return toks, nil
}

type tokenizer struct {
	s   string
	pos int
}

func (p *tokenizer) parseList(nested bool) ([]token, error) {
	var out []token
	for {
		for p.pos < len(p.s) && p.s[p.pos] == ' ' {
			p.pos++
		}
		if p.pos >= len(p.s) {
			if nested {
				return nil, errUnbalanced
			}
			return out, nil
		}

		switch c := p.s[p.pos]; c {
		case '(':
			p.pos++
			children, err := p.parseList(true)
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokenList, list: children})
		case ')':
			if !nested {
				return nil, errUnbalanced
			}
			p.pos++
			return out, nil
		case '"':
			v, err := p.parseQuoted()
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokenString, value: v})
		case '{':
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokenString, value: v})
		default:
			out = append(out, token{kind: tokenAtom, value: p.parseAtom()})
		}
	}
}

func (p *tokenizer) parseQuoted() (string, error) {
	var b strings.Builder
	for i := p.pos + 1; i < len(p.s); i++ {
		switch p.s[i] {
		case '\\':
			if i+1 < len(p.s) {
				i++
				b.WriteByte(p.s[i])
			}
		case '"':
			p.pos = i + 1
			return b.String(), nil
		default:
			b.WriteByte(p.s[i])
		}
	}
	return "", errUnclosedQuote
}

func (p *tokenizer) parseLiteral() (string, error) {
	end := strings.IndexByte(p.s[p.pos:], '}')
	if end < 0 {
		return "", errBadLiteral
	}
	digits := strings.TrimSuffix(p.s[p.pos+1:p.pos+end], "+")
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return "", errBadLiteral
	}
	start := p.pos + end + 1
	if !strings.HasPrefix(p.s[start:], "\r\n") {
		return "", errBadLiteral
	}
	start += 2
	if start+n > len(p.s) {
		return "", errBadLiteral
	}
	p.pos = start + n
	return p.s[start : start+n], nil
}

func (p *tokenizer) parseAtom() string {
	start := p.pos
	depth := 0
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		switch {
		case c == '[':
			depth++
		case c == ']' && depth > 0:
			depth--
		case depth == 0 && (c == ' ' || c == '(' || c == ')'):
			return p.s[start:p.pos]
		}
		p.pos++
	}
	return p.s[start:]
}

// literalSize reports the announced size when line ends with a literal
// prefix "{n}" or "{n+}".
func literalSize(line string) (n int, sync bool, ok bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false, false
	}
	digits := line[open+1 : len(line)-1]
	sync = !strings.HasSuffix(digits, "+")
	n, err := strconv.Atoi(strings.TrimSuffix(digits, "+"))
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, sync, true
}

// argReader walks the arguments of one command.
type argReader struct {
	toks []token
	pos  int
}

func (a *argReader) done() bool {
	return a.pos >= len(a.toks)
}

func (a *argReader) next() (token, error) {
	if a.done() {
		return token{}, errMissingArgs
	}
	t := a.toks[a.pos]
	a.pos++
	return t, nil
}

// atom consumes an atom.
func (a *argReader) atom() (string, error) {
	t, err := a.next()
	if err != nil {
		return "", err
	}
	if t.kind != tokenAtom {
		return "", fmt.Errorf("expected atom, got %s", t)
	}
	return t.value, nil
}

// astring consumes an atom or a string.
func (a *argReader) astring() (string, error) {
	t, err := a.next()
	if err != nil {
		return "", err
	}
	if t.kind == tokenList {
		return "", fmt.Errorf("expected string, got list")
	}
	return t.value, nil
}

// listOrAtom consumes a parenthesized list, or a single atom treated as a
// one-element list.
func (a *argReader) listOrAtom() ([]token, error) {
	t, err := a.next()
	if err != nil {
		return nil, err
	}
	if t.kind == tokenList {
		return t.list, nil
	}
	return []token{t}, nil
}

func (a *argReader) rest() []token {
	out := a.toks[a.pos:]
	a.pos = len(a.toks)
	return out
}

var errMissingArgs = errors.New("missing arguments")
