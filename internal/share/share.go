// Package share encodes a named script into a compact URL hash and back,
// using the broker's transform operations for the compression.
package share

import (
	"context"
	"fmt"

	"github.com/seantiz/sandbroker/internal/codec"
	"github.com/seantiz/sandbroker/internal/protocol"
)

// Transformer compresses and decompresses bytes. *broker.Broker implements it.
type Transformer interface {
	Compress(ctx context.Context, data []byte) ([]byte, error)
	Decompress(ctx context.Context, data []byte, version int) ([]byte, error)
}

// Encode returns the share hash of a script, in the current format.
func Encode(ctx context.Context, t Transformer, name, content string) (string, error) {
	packed, err := t.Compress(ctx, []byte(codec.JoinDocument(name, content)))
	if err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	return codec.FormatHash(protocol.FormatCurrent, packed), nil
}

// Decode returns the name and content encoded in hash. Legacy hashes get
// their text rewritten to the current module names.
func Decode(ctx context.Context, t Transformer, hash string) (name, content string, err error) {
	version, packed, err := codec.ParseHash(hash)
	if err != nil {
		return "", "", err
	}
	data, err := t.Decompress(ctx, packed, version)
	if err != nil {
		return "", "", fmt.Errorf("decompress: %w", err)
	}
	text := string(data)
	if version == protocol.FormatLegacy {
		text = codec.ApplyLegacyRewrite(text)
	}
	name, content = codec.SplitDocument(text)
	return name, content, nil
}
