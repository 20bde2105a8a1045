package common

import (
	"encoding/base64"
	"fmt"
)

// EncodePageToken turns store paging state into an opaque URL-safe token.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken. An empty token means the first page.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	return data, nil
}
