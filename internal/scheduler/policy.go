package scheduler

import "eclock/internal/epd"

// Policy picks the refresh kind of each clock redraw: full on the first
// update, after Limit partials, and whenever one was requested; partial
// otherwise.
type Policy struct {
	Limit int

	started  bool
	partials int
	force    bool
}

// ForceFull makes the next refresh a full one.
func (p *Policy) ForceFull() {
	p.force = true
}

// Next returns the kind of the upcoming refresh and accounts for it.
func (p *Policy) Next() epd.RefreshKind {
	if !p.started || p.force || (p.Limit > 0 && p.partials >= p.Limit) {
		p.started = true
		p.force = false
		p.partials = 0
		return epd.Full
	}
	p.partials++
	return epd.Partial
}

// Partials is the number of partial refreshes since the last full one.
func (p *Policy) Partials() int {
	return p.partials
}
