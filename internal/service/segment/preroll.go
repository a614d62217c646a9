package segment

import "time"

// preRoll is a fixed-capacity ring of the most recent idle frames.
type preRoll struct {
	slots    [][]byte
	start    int
	n        int
	duration func([]byte) time.Duration
}

func newPreRoll(capacity int, duration func([]byte) time.Duration) *preRoll {
	if capacity < 0 {
		capacity = 0
	}
	return &preRoll{slots: make([][]byte, capacity), duration: duration}
}

// push stores a copy of frame, evicting the oldest frame when full.
func (r *preRoll) push(frame []byte) {
	if len(r.slots) == 0 {
		return
	}
	f := append([]byte(nil), frame...)
	if r.n < len(r.slots) {
		r.slots[(r.start+r.n)%len(r.slots)] = f
		r.n++
		return
	}
	r.slots[r.start] = f
	r.start = (r.start + 1) % len(r.slots)
}

// bytes returns the buffered frames oldest first, and their total duration.
func (r *preRoll) bytes() ([]byte, time.Duration) {
	var out []byte
	var d time.Duration
	for i := 0; i < r.n; i++ {
		f := r.slots[(r.start+i)%len(r.slots)]
		out = append(out, f...)
		d += r.duration(f)
	}
	return out, d
}

func (r *preRoll) len() int {
	return r.n
}

func (r *preRoll) clear() {
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.start, r.n = 0, 0
}
