package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/covenant/internal/model"
)

// marshalIDs converts an id list to canonical JSON TEXT for storage.
func marshalIDs(ids []int64) (string, error) {
	data, err := model.MarshalCanonical(ids)
	if err != nil {
		return "", fmt.Errorf("marshal ids: %w", err)
	}
	return string(data), nil
}

// marshalStrings converts a string list to canonical JSON TEXT for storage.
func marshalStrings(ss []string) (string, error) {
	data, err := model.MarshalCanonical(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

// marshalSignatures converts a handle to message id map to canonical JSON TEXT.
func marshalSignatures(sigs map[string]int64) (string, error) {
	obj := make(map[string]any, len(sigs))
	for k, v := range sigs {
		obj[k] = v
	}
	data, err := model.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal signatures: %w", err)
	}
	return string(data), nil
}

// unmarshalIDs parses JSON TEXT to an id list. Empty input yields an empty list.
func unmarshalIDs(data string) ([]int64, error) {
	ids := []int64{}
	if data == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal ids: %w", err)
	}
	return ids, nil
}

func unmarshalStrings(data string) ([]string, error) {
	ss := []string{}
	if data == "" {
		return ss, nil
	}
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return ss, nil
}

func unmarshalSignatures(data string) (map[string]int64, error) {
	sigs := map[string]int64{}
	if data == "" {
		return sigs, nil
	}
	if err := json.Unmarshal([]byte(data), &sigs); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	return sigs, nil
}

// toMillis converts a timestamp to unix milliseconds. The zero time maps to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis converts unix milliseconds back to a UTC timestamp.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
