// Package codec compresses bulky payloads for the wire. Layer lists carry
// many drawn points, so they are deflate-compressed and base64-encoded
// before being embedded in a JSON envelope.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compress deflates data and returns it base64-encoded.
func Compress(data []byte) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("compress payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush deflate writer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate payload: %w", err)
	}
	return data, nil
}

// CompressJSON marshals v and compresses the result.
func CompressJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return Compress(data)
}

// DecompressJSON decompresses encoded and unmarshals it into v.
func DecompressJSON(encoded string, v any) error {
	data, err := Decompress(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
