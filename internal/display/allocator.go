// Package display allocates the finite display/VNC port tokens that each
// live worker holds for its lifetime.
package display

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExhausted is returned when every token is in use.
	ErrExhausted = errors.New("display allocator exhausted")

	// ErrNotAllocated is returned when releasing a token that is not held.
	ErrNotAllocated = errors.New("display token not allocated")
)

// Token is one display allocation. Port is the VNC port serving Display.
type Token struct {
	Display int `json:"display"`
	Port    int `json:"vncPort"`
}

// Name returns the X display name, e.g. ":3".
func (t Token) Name() string {
	return fmt.Sprintf(":%d", t.Display)
}

// Allocator hands out tokens from [base, base+count). Ports are derived as
// basePort+display.
type Allocator struct {
	base     int
	count    int
	basePort int

	mu    sync.Mutex
	inUse map[int]bool
	next  int // rotates so released displays are not immediately reused
}

// NewAllocator creates an Allocator. A count <= 0 defaults to 1.
func NewAllocator(base, count, basePort int) *Allocator {
	if count <= 0 {
		count = 1
	}
	return &Allocator{
		base:     base,
		count:    count,
		basePort: basePort,
		inUse:    make(map[int]bool, count),
	}
}

// Allocate reserves a free token.
func (a *Allocator) Allocate() (Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.count; i++ {
		d := a.base + (a.next+i)%a.count
		if a.inUse[d] {
			continue
		}
		a.inUse[d] = true
		a.next = (a.next + i + 1) % a.count
		return Token{Display: d, Port: a.basePort + d}, nil
	}
	return Token{}, ErrExhausted
}

// Release returns a token to the pool. Releasing a token twice reports
// ErrNotAllocated and leaves the pool unchanged.
func (a *Allocator) Release(t Token) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inUse[t.Display] {
		return fmt.Errorf("%w: %s", ErrNotAllocated, t.Name())
	}
	delete(a.inUse, t.Display)
	return nil
}

// Held reports whether the token is currently allocated.
func (a *Allocator) Held(t Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse[t.Display]
}

// InUse returns the number of allocated tokens.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Capacity returns the total number of tokens.
func (a *Allocator) Capacity() int {
	return a.count
}
