package control

import (
	"io"
	"sync"
)

// Locked serializes an Interpreter shared by a receive task and status
// notifications from the writer task.
type Locked struct {
	mu sync.Mutex
	in *Interpreter
}

// NewLocked wraps in.
func NewLocked(in *Interpreter) *Locked {
	return &Locked{in: in}
}

func (l *Locked) Process(msg []byte, w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.in.Process(msg, w)
}

func (l *Locked) WriteStatus(w io.Writer) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.in.WriteStatus(w)
}
