package events

import "sync"

// Recorder is an in-memory Notifier. It keeps every label in emission order
// and is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	labels []string
	fields map[int][]Field
}

func (r *Recorder) Emit(label string, fields ...Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fields == nil {
		r.fields = make(map[int][]Field)
	}
	if len(fields) > 0 {
		r.fields[len(r.labels)] = fields
	}
	r.labels = append(r.labels, label)
}

// Labels returns a copy of the labels seen so far.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.labels...)
}

// Fields returns the extra fields attached to the i-th label.
func (r *Recorder) Fields(i int) []Field {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fields[i]
}

// Count returns how many times label was emitted.
func (r *Recorder) Count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.labels {
		if l == label {
			n++
		}
	}
	return n
}
