// Package heap manages the program break of a module's linear memory.
//
// Break follows the sbrk contract: the break starts at the module's heap
// base, increments are rounded up to 16 bytes, and moving the break past the
// end of memory grows memory by whole pages. Break also serves as a bump
// Allocator for modules that export no malloc, and as scoped scratch space
// (Save/Alloc/Restore) for modules without stack exports.
package heap
