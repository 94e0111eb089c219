// Package rollback provides a scoped undo stack for multi-step
// operations. Each completed step pushes a compensating func; on early
// return Run unwinds them in reverse, and Disarm commits the whole
// sequence on success.
//
// Typical shape:
//
//	var undo rollback.Stack
//	defer undo.Run()
//
//	doStepOne()
//	undo.Add(undoStepOne)
//
//	doStepTwo()
//	undo.Add(undoStepTwo)
//
//	undo.Disarm() // success: keep everything
package rollback

// Stack is a LIFO of compensating actions. The zero value is ready to
// use. Not safe for concurrent use; a Stack belongs to one operation.
type Stack struct {
	steps    []func()
	disarmed bool
}

// Add pushes a compensating action for a step that just completed.
func (s *Stack) Add(fn func()) {
	s.steps = append(s.steps, fn)
}

// Disarm commits the operation: Run becomes a no-op.
func (s *Stack) Disarm() {
	s.disarmed = true
}

// Run executes the recorded actions newest-first, unless disarmed.
// It is idempotent: each action runs at most once.
func (s *Stack) Run() {
	if s.disarmed {
		return
	}
	for i := len(s.steps) - 1; i >= 0; i-- {
		s.steps[i]()
	}
	s.steps = nil
}

// Len returns the number of pending actions.
func (s *Stack) Len() int { return len(s.steps) }
