// ABOUTME: Conversion between document data and protobuf Struct messages
// ABOUTME: Carries timestamps and the server-timestamp sentinel as tagged objects

package remote

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/profilesync/internal/provider"
)

const (
	timeKey            = "$time"
	serverTimestampKey = "$serverTimestamp"
)

// toStruct encodes document data for the wire.
func toStruct(data map[string]any) (*structpb.Struct, error) {
	if data == nil {
		data = map[string]any{}
	}
	encoded, _ := encodeValue(data).(map[string]any)
	s, err := structpb.NewStruct(encoded)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return s, nil
}

// fromStruct decodes document data received from the wire.
func fromStruct(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	decoded, _ := decodeValue(s.AsMap()).(map[string]any)
	return decoded
}

func encodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = encodeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = encodeValue(val)
		}
		return out
	case time.Time:
		return map[string]any{timeKey: t.UTC().Format(time.RFC3339Nano)}
	default:
		if provider.IsServerTimestamp(v) {
			return map[string]any{serverTimestampKey: true}
		}
		return v
	}
}

func decodeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[timeKey].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
					return ts
				}
			}
			if b, ok := t[serverTimestampKey].(bool); ok && b {
				return provider.ServerTimestamp
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = decodeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = decodeValue(val)
		}
		return out
	default:
		return v
	}
}
