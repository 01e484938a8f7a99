package player

// frameRing is the bounded queue between the loader (producer) and the
// player (consumer).
type frameRing struct {
	frames []Frame
	head   int
	size   int
}

func newFrameRing(capacity int) *frameRing {
	return &frameRing{frames: make([]Frame, max(1, capacity))}
}

func (r *frameRing) Len() int   { return r.size }
func (r *frameRing) Full() bool { return r.size == len(r.frames) }

func (r *frameRing) Push(f Frame) bool {
	if r.Full() {
		return false
	}
	r.frames[(r.head+r.size)%len(r.frames)] = f
	r.size++
	return true
}

func (r *frameRing) Pop() (Frame, bool) {
	if r.size == 0 {
		return Frame{}, false
	}
	f := r.frames[r.head]
	r.head = (r.head + 1) % len(r.frames)
	r.size--
	return f, true
}

func (r *frameRing) Clear() {
	r.head, r.size = 0, 0
}
