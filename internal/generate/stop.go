package generate

import "strings"

// stopMatcher scans a token stream for stop sequences that may straddle
// fragment boundaries. Text is held back while it could still be the prefix
// of a stop, so observers never see part of a matched sequence.
type stopMatcher struct {
	stops   []string
	pending string
	hit     bool
}

func newStopMatcher(stops []string) *stopMatcher {
	out := make([]string, 0, len(stops))
	for _, s := range stops {
		if s != "" {
			out = append(out, s)
		}
	}
	return &stopMatcher{stops: out}
}

// feed consumes one fragment and returns the text safe to emit. done is true
// once a stop sequence matched; everything from the match on is swallowed.
func (m *stopMatcher) feed(fragment string) (emit string, done bool) {
	if m.hit {
		return "", true
	}
	if len(m.stops) == 0 {
		return fragment, false
	}
	m.pending += fragment
	cut := -1
	for _, s := range m.stops {
		if i := strings.Index(m.pending, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		m.hit = true
		emit = m.pending[:cut]
		m.pending = ""
		return emit, true
	}
	hold := m.holdLen()
	emit = m.pending[:len(m.pending)-hold]
	m.pending = m.pending[len(m.pending)-hold:]
	return emit, false
}

// flush returns text still held back once the stream ends without a match.
func (m *stopMatcher) flush() string {
	if m.hit {
		return ""
	}
	out := m.pending
	m.pending = ""
	return out
}

// holdLen is the longest suffix of pending that is a proper prefix of any
// stop sequence.
func (m *stopMatcher) holdLen() int {
	hold := 0
	for _, s := range m.stops {
		max := len(s) - 1
		if max > len(m.pending) {
			max = len(m.pending)
		}
		for n := max; n > hold; n-- {
			if strings.HasSuffix(m.pending, s[:n]) {
				hold = n
				break
			}
		}
	}
	return hold
}
