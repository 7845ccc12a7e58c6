// Package entry calls a module's entry point with a C-style argument vector
// and maps the way it ended to a process exit code.
//
// The argument vector is built on the module's own stack:
//
//	argv[0]   -> "./this.program\x00"
//	argv[1]   -> "first\x00"
//	...
//	argv[argc] = 0
//
// Pointers are 32-bit little endian. The stack pointer is restored on every
// path, including traps and panics.
//
// Exit code mapping:
//
//	returned value               -> that value, reported as an implicit exit
//	error with ExitCode() uint32 -> that code (explicit exit)
//	any other error or panic     -> 1, with an entry failure error
package entry
