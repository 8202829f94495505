// Copyright 2025-2026 Aiku AI

package puppet

// Tag marks text as bridge-originated by appending the deduplication tag.
// The relay calls this at most once per message; the tag is never mutated
// after append.
func (br *Bridge) Tag(text string) string {
	return text + br.cfg.DeduplicationTag
}

// IsTagged reports whether text carries the deduplication tag. Observing a
// tagged message means the bridge already forwarded it once, so relaying it
// again would start an echo loop.
func (br *Bridge) IsTagged(text string) bool {
	return br.cfg.deduplicationTagRegex.MatchString(text)
}
