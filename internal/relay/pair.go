package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// Pair routes one source room to one destination chat.
type Pair struct {
	Dest   int64
	Source int64
}

func (p Pair) String() string { return fmt.Sprintf("%d:%d", p.Dest, p.Source) }

// ParsePair parses "destination:source"; both sides must be integers.
func ParsePair(s string) (Pair, error) {
	d, src, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Pair{}, fmt.Errorf("%w %q: missing ':'", ErrBadPair, s)
	}
	dest, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return Pair{}, fmt.Errorf("%w %q: destination: %w", ErrBadPair, s, err)
	}
	source, err := strconv.ParseInt(src, 10, 64)
	if err != nil {
		return Pair{}, fmt.Errorf("%w %q: source: %w", ErrBadPair, s, err)
	}
	return Pair{Dest: dest, Source: source}, nil
}

// ParsePairs parses every argument, failing on the first bad one.
func ParsePairs(args []string) ([]Pair, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no pairs given", ErrBadPair)
	}
	out := make([]Pair, 0, len(args))
	for _, a := range args {
		p, err := ParsePair(a)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
