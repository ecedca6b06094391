package imap

import (
	"fmt"
	"strconv"
	"strings"
)

// seq is a single number or a range. Zero stands for "*", the largest
// number in use.
type seq struct {
	start, stop uint32
}

func parseSeqNumber(v string) (uint32, error) {
	if v == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid sequence number %q", v)
	}
	return uint32(n), nil
}

// parseSeq parses "n", "*", "a:b". The range is stored normalised so that
// start <= stop whenever neither end is "*".
func parseSeq(v string) (seq, error) {
	a, b, isRange := strings.Cut(v, ":")
	start, err := parseSeqNumber(a)
	if err != nil {
		return seq{}, err
	}
	if !isRange {
		return seq{start: start, stop: start}, nil
	}
	stop, err := parseSeqNumber(b)
	if err != nil {
		return seq{}, err
	}
	if start != 0 && stop != 0 && stop < start {
		start, stop = stop, start
	}
	return seq{start: start, stop: stop}, nil
}

// contains reports whether n is in the range once "*" is resolved to max.
func (s seq) contains(n, max uint32) bool {
	start, stop := s.start, s.stop
	if start == 0 {
		start = max
	}
	if stop == 0 {
		stop = max
	}
	if stop < start {
		start, stop = stop, start
	}
	return start <= n && n <= stop
}

// seqSet is a comma-separated list of numbers and ranges.
type seqSet []seq

func parseSeqSet(v string) (seqSet, error) {
	if v == "" {
		return nil, fmt.Errorf("empty sequence set")
	}
	var set seqSet
	for _, part := range strings.Split(v, ",") {
		s, err := parseSeq(part)
		if err != nil {
			return nil, err
		}
		set = append(set, s)
	}
	return set, nil
}

func (set seqSet) contains(n, max uint32) bool {
	for _, s := range set {
		if s.contains(n, max) {
			return true
		}
	}
	return false
}

// isSeqSet reports whether v looks like a sequence set, as used to tell a
// bare set apart from a SEARCH keyword.
func isSeqSet(v string) bool {
	if v == "" {
		return false
	}
	for _, c := range v {
		if (c < '0' || c > '9') && c != '*' && c != ':' && c != ',' {
			return false
		}
	}
	return true
}
