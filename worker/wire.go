package worker

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("worker: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalMessage serializes a Message to CBOR bytes.
func MarshalMessage(m *Message) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalMessage deserializes a Message from CBOR bytes.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("worker: unmarshal message: %w", err)
	}
	return &m, nil
}

// Decoder reads a stream of CBOR messages.
type Decoder struct {
	dec *cbor.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: cbor.NewDecoder(r)}
}

// Decode reads the next message. It returns io.EOF at a clean end of stream.
func (d *Decoder) Decode() (*Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("worker: decode message: %w", err)
	}
	return &m, nil
}

// DecodeResponse reads the next response.
func (d *Decoder) DecodeResponse() (*Response, error) {
	var r Response
	if err := d.dec.Decode(&r); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("worker: decode response: %w", err)
	}
	return &r, nil
}

// Encoder writes a stream of CBOR values.
type Encoder struct {
	enc *cbor.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: cborEncMode.NewEncoder(w)}
}

func (e *Encoder) EncodeMessage(m *Message) error {
	return e.enc.Encode(m)
}

func (e *Encoder) EncodeResponse(r *Response) error {
	return e.enc.Encode(r)
}
