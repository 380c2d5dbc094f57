package billsync

import "time"

// Sequences derived from clocks are expressed in milliseconds since the Unix
// epoch. Provider events with second resolution are placed at the last
// millisecond of their second. Events sharing a second are told apart by
// event id. Local times converted with DirectSequence never use that slot.

// EventSequence converts a provider event timestamp to a sequence.
func EventSequence(t time.Time) int64 {
	return t.Unix()*1000 + 999
}

// DirectSequence converts a local time to a sequence below any provider
// event of the same second.
func DirectSequence(t time.Time) int64 {
	ms := int64(t.Nanosecond() / int(time.Millisecond))
	if ms > 998 {
		ms = 998
	}
	return t.Unix()*1000 + ms
}
