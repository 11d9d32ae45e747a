// ABOUTME: CBOR encoding of document bodies for storage as SQLite BLOBs
// ABOUTME: Preserves time values as tagged RFC 3339 strings and decodes maps as map[string]any

package store

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	docEncMode = mustEncMode(cbor.EncOptions{
		Sort:    cbor.SortCanonical,
		Time:    cbor.TimeRFC3339Nano,
		TimeTag: cbor.EncTagRequired,
	})
	docDecMode = mustDecMode(cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: invalid cbor encoding options: %v", err))
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("store: invalid cbor decoding options: %v", err))
	}
	return m
}

// encodeData serializes a document body.
func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := docEncMode.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return b, nil
}

// decodeData parses a document body written by encodeData.
func decodeData(b []byte) (map[string]any, error) {
	var data map[string]any
	if err := docDecMode.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}
