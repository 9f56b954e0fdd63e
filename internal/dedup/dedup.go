// Package dedup fingerprints inbound support requests and remembers which
// fingerprints this process has already accepted.
package dedup

import (
	"encoding/binary"
	"encoding/hex"
	"sync"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the hex BLAKE3-256 digest of the message text, the
// channel and the post ID. Each field is length-prefixed so that moving
// bytes between fields changes the digest.
func Fingerprint(text, channelID, postID string) string {
	h := blake3.New()
	var n [8]byte
	for _, field := range []string{text, channelID, postID} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Deduplicator is the in-process seen set. The persistent store remains
// the authority across restarts.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New returns an empty Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// ShouldProcess returns true exactly once per fingerprint.
func (d *Deduplicator) ShouldProcess(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return false
	}
	d.seen[fp] = struct{}{}
	return true
}

// Forget drops a fingerprint so it may be accepted again. Used when the
// message could not be stored.
func (d *Deduplicator) Forget(fp string) {
	d.mu.Lock()
	delete(d.seen, fp)
	d.mu.Unlock()
}

// Len returns the number of remembered fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
