// Package gate counts outstanding asynchronous prerequisites of a module
// instance and fires a single callback each time the count returns to zero.
//
// Producers hold a token while work is in flight:
//
//	g.Add("memory initializer")
//	// ... later, on the executor
//	if err := g.Remove("memory initializer"); err != nil {
//	    // unbalanced removal with assertions enabled
//	}
//
// The callback is fixed at construction. It runs synchronously inside the
// Remove call that brought the count to zero, so a callback that adds a new
// dependency simply defers the next firing until that dependency clears.
//
// A Gate is not safe for concurrent use. It belongs to one module instance
// and is only touched from that instance's executor.
package gate
