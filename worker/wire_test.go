package worker

import (
	"bytes"
	"io"
	"testing"

	"go.uber.org/multierr"
)

func multierrErrors(err error) []error {
	return multierr.Errors(err)
}

func TestStreamCodec(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	msgs := []Message{
		{FunctionName: "one", CallbackID: 1},
		{FunctionName: "two", Payload: []byte{0, 1, 2}, CallbackID: 2},
	}
	for i := range msgs {
		if err := enc.EncodeMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if got.FunctionName != want.FunctionName || got.CallbackID != want.CallbackID || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("message %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("end of stream = %v, want io.EOF", err)
	}
}

func TestWireFieldNames(t *testing.T) {
	data, err := MarshalMessage(&Message{FunctionName: "f", CallbackID: 7})
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"funcName", "callbackId"} {
		if !bytes.Contains(data, []byte(key)) {
			t.Errorf("encoding missing key %q", key)
		}
	}
	if bytes.Contains(data, []byte("data")) {
		t.Error("empty payload should be omitted")
	}

	m, err := UnmarshalMessage(data)
	if err != nil || m.FunctionName != "f" || m.CallbackID != 7 {
		t.Errorf("UnmarshalMessage = %+v, %v", m, err)
	}
	if _, err := UnmarshalMessage([]byte{0xff}); err == nil {
		t.Error("garbage should not decode")
	}
}
