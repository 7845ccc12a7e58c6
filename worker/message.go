package worker

// Message is a request to call one exported function.
type Message struct {
	FunctionName string `cbor:"funcName"`
	Payload      []byte `cbor:"data,omitempty"`
	CallbackID   int64  `cbor:"callbackId"`
}

// Response is a reply from the module to the caller identified by
// CallbackID. Final marks the last response for that call.
type Response struct {
	Payload    []byte `cbor:"data,omitempty"`
	CallbackID int64  `cbor:"callbackId"`
	Final      bool   `cbor:"finalResponse"`
}

// NoCallback is the callback id before any message has been dispatched.
const NoCallback int64 = -1
