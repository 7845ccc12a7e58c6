// Package meminit places a module's static-data image into linear memory
// before initialization runs.
//
// The image source may be a data: URI, a locator readable synchronously (a
// local file), or a locator that must be fetched. Only the asynchronous path
// holds a gate token; the token is released exactly once whether the image
// was applied or the load failed.
//
// State machine:
//
//	Idle -> Locating -> Fetching -> Applying -> Done
//	                        \            \
//	                         +-> Failed   +-> Failed
//
// A pre-started request whose status is neither 200 nor 0 is retried once
// with a fresh fetch. A failure of that fetch is terminal.
package meminit
