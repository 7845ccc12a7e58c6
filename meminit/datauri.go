package meminit

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/wippyai/wasm-boot/errors"
)

const dataURIPrefix = "data:"

// IsDataURI reports whether s carries its payload inline.
func IsDataURI(s string) bool {
	return strings.HasPrefix(s, dataURIPrefix)
}

// DecodeDataURI returns the payload of a data: URI. Both ";base64" and
// percent-encoded payloads are accepted.
func DecodeDataURI(s string) ([]byte, error) {
	if !IsDataURI(s) {
		return nil, errors.InvalidInput(errors.PhaseLoad, "not a data URI")
	}
	rest := s[len(dataURIPrefix):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, errors.InvalidData(errors.PhaseLoad, "data URI has no payload separator")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		out, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			// Some producers strip padding.
			out, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "decode base64 data URI")
		}
		return out, nil
	}

	out, err := url.PathUnescape(payload)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "decode data URI")
	}
	return []byte(out), nil
}
