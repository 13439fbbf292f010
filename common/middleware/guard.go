// Package middleware wraps handlers with ordered guards.
package middleware

// Guard vets a call before its handler runs. A non-nil error stops the call.
type Guard[C, A any] func(ctx C, action string, args A) error

// Handler handles one call with its raw arguments.
type Handler[C, A any] func(ctx C, args A) error

// Guarded returns h wrapped so that guards run first, in order.
//
// Usage:
//
//	h := middleware.Guarded(newTerminal, authenticated, policies("terminal"))
func Guarded[C, A any](action string, h Handler[C, A], guards ...Guard[C, A]) Handler[C, A] {
	if len(guards) == 0 {
		return h
	}
	return func(ctx C, args A) error {
		for _, g := range guards {
			if err := g(ctx, action, args); err != nil {
				return err
			}
		}
		return h(ctx, args)
	}
}

// GuardedAll wraps every handler in a table with the same guards.
func GuardedAll[C, A any](handlers map[string]Handler[C, A], guards ...Guard[C, A]) map[string]Handler[C, A] {
	wrapped := make(map[string]Handler[C, A], len(handlers))
	for name, h := range handlers {
		wrapped[name] = Guarded(name, h, guards...)
	}
	return wrapped
}
