package pubsub

import "strings"

// MaxNotifyPayload is the largest payload (in bytes) that fits a PostgreSQL
// NOTIFY message with headroom. Publishing a larger payload emits a warning;
// callers are expected to send an identifier and fetch the body out of band.
const MaxNotifyPayload = 7900

// CanonicalChannel normalizes a channel name for the database layer.
// Every run of characters outside [A-Za-z0-9_] collapses to a single
// underscore. The same function is used on the publish and subscribe paths
// so both sides always agree on the wire-level channel name.
func CanonicalChannel(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return b.String()
}
