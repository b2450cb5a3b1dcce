package relay

import (
	"sync"
	"time"
)

// InboundRecord is the normalized view of a received message.
type InboundRecord struct {
	Seq       uint64     `json:"seq"`
	ID        string     `json:"id"`
	From      string     `json:"from"`
	Sender    string     `json:"sender"`
	Timestamp time.Time  `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *string    `json:"text"`
	Media     *MediaInfo `json:"media,omitempty"`
}

// MediaInfo is set once an inbound attachment has been archived.
type MediaInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Key      string `json:"key,omitempty"`
}

// ring keeps the most recent records in a fixed-size circular slice.
type ring struct {
	mu    sync.RWMutex
	buf   []InboundRecord
	next  int
	count int
	seq   uint64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &ring{buf: make([]InboundRecord, capacity)}
}

// push stores rec, overwriting the oldest entry when full, and returns it
// with its arrival sequence assigned.
func (r *ring) push(rec InboundRecord) InboundRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	rec.Seq = r.seq
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	return rec
}

// recent returns up to limit records, most recent first.
func (r *ring) recent(limit int) []InboundRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit > r.count {
		limit = r.count
	}
	out := make([]InboundRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// update applies fn to the record with the given sequence if still buffered.
func (r *ring) update(seq uint64, fn func(*InboundRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		if r.buf[idx].Seq == seq {
			fn(&r.buf[idx])
			return true
		}
	}
	return false
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
