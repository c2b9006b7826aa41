package netward

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// newRequestID returns a 128-bit correlation id: 64 bits of unix millis
// followed by 64 random bits, hex encoded, optionally followed by "-SITE".
// Ids sort by creation time.
func newRequestID(now time.Time, site string) string {
	var raw [16]byte
	binary.BigEndian.PutUint64(raw[:8], uint64(now.UnixMilli()))
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(raw[8:])

	var b strings.Builder
	b.Grow(33 + len(site))
	b.WriteString(hex.EncodeToString(raw[:]))
	if site != "" {
		b.WriteByte('-')
		b.WriteString(strings.ToUpper(site))
	}
	return b.String()
}
