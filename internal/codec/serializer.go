package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Serializer turns a payload into bytes and back.
type Serializer[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Bytes passes byte slices through unchanged.
type Bytes struct{}

func (Bytes) Marshal(v []byte) ([]byte, error) {
	return v, nil
}

func (Bytes) Unmarshal(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

// JSON encodes payloads with encoding/json.
type JSON[T any] struct{}

func (JSON[T]) Marshal(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

func (JSON[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal json: %w", err)
	}
	return v, nil
}

// YAML encodes payloads as YAML documents. It suits the binary framing;
// the array framing needs JSON output.
type YAML[T any] struct{}

func (YAML[T]) Marshal(v T) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	return data, nil
}

func (YAML[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("unmarshal yaml: %w", err)
	}
	return v, nil
}
