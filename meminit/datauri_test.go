package meminit

import (
	"bytes"
	"testing"
)

func TestDecodeDataURI(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{"base64", "data:application/octet-stream;base64,AQID", []byte{1, 2, 3}, false},
		{"base64 unpadded", "data:application/octet-stream;base64,AQIDBA", []byte{1, 2, 3, 4}, false},
		{"percent", "data:,%01%02hi", []byte{1, 2, 'h', 'i'}, false},
		{"empty payload", "data:,", []byte{}, false},
		{"no comma", "data:application/octet-stream", nil, true},
		{"bad base64", "data:;base64,@@@", nil, true},
		{"bad escape", "data:,%zz", nil, true},
		{"not data", "mem.bin", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDataURI(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
