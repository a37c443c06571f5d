package bridge

import (
	"fmt"
	"strconv"
	"sync"
)

// DomainPicker accumulates a domain id one digit at a time, the way a
// keypad entry does. The zero value is ready to use and has nothing
// picked.
type DomainPicker struct {
	mu     sync.Mutex
	picked int
	set    bool
}

// Press appends digit to the picked id. A press that would take the id
// past [MaxDomainID] is rejected and leaves the value unchanged.
func (p *DomainPicker) Press(digit int) error {
	if digit < 0 || digit > 9 {
		return fmt.Errorf("press %d: not a digit", digit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	next := digit
	if p.set {
		next = p.picked*10 + digit
	}
	if err := ValidateDomain(next); err != nil {
		return err
	}
	p.picked = next
	p.set = true
	return nil
}

// Clear forgets the picked id.
func (p *DomainPicker) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.picked = 0
	p.set = false
}

// Value returns the picked id and whether anything was picked.
func (p *DomainPicker) Value() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.picked, p.set
}

// Confirm returns the picked id, or 0 when nothing was picked.
func (p *DomainPicker) Confirm() int {
	id, _ := p.Value()
	return id
}

// String renders the picked id, or "---" when nothing was picked.
func (p *DomainPicker) String() string {
	id, ok := p.Value()
	if !ok {
		return "---"
	}
	return strconv.Itoa(id)
}
