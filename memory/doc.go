// Package memory provides linear memory implementations.
//
// Wazero adapts a live wazero api.Memory. Buffer is a plain Go slice with the
// same page-growth rules, used by tests and by hosts that stage a module's
// memory image before instantiation.
package memory
