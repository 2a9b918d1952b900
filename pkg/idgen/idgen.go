// Package idgen mints time-ordered identifiers for telemetry events,
// correlations and spans.
//
// Identifiers are RFC 9562 version 7 UUIDs rendered in canonical form. The
// first 48 bits hold the Unix time in milliseconds, so sorting identifiers
// lexically approximates the order in which they were generated, even across
// producers whose clocks are only loosely synchronised.
package idgen

import (
	"encoding/binary"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the marker nibble carried by every generated identifier.
const Version = 7

// New returns a new identifier.
//
// New never fails. If the cryptographic random source cannot be read the
// random tail is filled from math/rand instead, which keeps uniqueness
// probable but not unpredictable.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fallback(time.Now()).String()
	}
	return id.String()
}

// fallback packs ts into a version 7 layout with a non-cryptographic tail.
func fallback(ts time.Time) uuid.UUID {
	var id uuid.UUID
	ms := uint64(ts.UnixMilli())

	binary.BigEndian.PutUint64(id[8:], rand.Uint64())
	tail := rand.Uint32()
	id[6] = byte(tail)
	id[7] = byte(tail >> 8)

	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	id[6] = (id[6] & 0x0f) | (Version << 4)
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// Timestamp extracts the generation time encoded in id with millisecond
// resolution. It reports false when id is not a version 7 identifier.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != Version {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}

// Valid reports whether id is a canonical version 7 identifier with the
// RFC 4122 variant bits.
func Valid(id string) bool {
	if len(id) != 36 || strings.ToLower(id) != id {
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.Version() == Version && parsed.Variant() == uuid.RFC4122
}

// Prefix returns the timestamp-derived leading part of id: the first 13
// characters of the canonical form, which encode the 48-bit millisecond clock.
func Prefix(id string) string {
	if len(id) < 13 {
		return id
	}
	return id[:13]
}
