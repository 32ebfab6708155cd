// Package codec implements the byte transform used for shareable links:
// raw DEFLATE at maximum compression with a fixed preset dictionary, the
// legacy text rewrite of format 1, and the "#<version><base64>" framing.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/seantiz/sandbroker/internal/protocol"
)

// ErrInvalidHash is returned for share hashes that are not "#1..." or "#2...".
var ErrInvalidHash = errors.New("invalid share hash")

// MaxDecompressedSize bounds inflated output.
const MaxDecompressedSize = protocol.MaxMessageSize

// dictionaryText is a corpus of tokens typical for the scripts being shared.
// Decompression fails or yields garbage without the identical dictionary.
const dictionaryText = "JSON.stringify(.parse( RegExp(.input(.lastMatch(.lastParen(.leftContext(.rightContext(.compile(.exec(.test(.toString(.replace(.match(.matchAll(;\n                                // `;\n\n    \n\nconsole.log(\n\nconst \n\nlet undefined \n\nvar \n\nif (\n\nfor (\n\nwhile (\n\nswitch (    case of in instanceof new true false do {\n    this. break;\n return    } else {\n        } or {\n        ) {\n        }\n);\n\n`;\n\n';\n\n\";\n\n/* */\n\n// = + - * / || && += -= *= ++;\n --;\n == === !== != >= <= < > ?? & | ~ ^ << >> >>> ... \nimport qre from 'qre';\n\nimport qre from \"qre\";\n\n = qre`.indices`.global`.ignoreCase`.legacy`.unicode`.sticky`.cache`optional begin-of-text; end-of-text; begin-of-line; end-of-line; word-boundary; repeat at-least-1 at-most-times -to- not new-line; line-feed; carriage-return; tabulation; null; space; any; digit; white-space; whitespace; word-character; line-terminator; prop< property< lookahead look-ahead lookbehind look-behind group \"${}\" '${}' ${ "

// dictionary is the JSON-quoted form of dictionaryText, which is what the
// links in circulation were produced with.
var dictionary = mustQuote(dictionaryText)

func mustQuote(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		panic(err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

// Dictionary returns a copy of the preset dictionary.
func Dictionary() []byte {
	return bytes.Clone(dictionary)
}

// legacyRewrites are applied in order to text decoded from format 1.
var legacyRewrites = [][2]string{
	{"cre", "qre"},
	{"con-reg-exp", "qre"},
	{"Convenient", "Quick"},
}

// Compress deflates data with the preset dictionary.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriterDict(&buf, flate.BestCompression, dictionary)
	if err != nil {
		return nil, fmt.Errorf("create deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates data produced by Compress. Both format versions share
// the transform; format 1 additionally needs ApplyLegacyRewrite on the text.
func Decompress(data []byte, version int) ([]byte, error) {
	if err := CheckVersion(version); err != nil {
		return nil, err
	}
	r := flate.NewReaderDict(bytes.NewReader(data), dictionary)
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, fmt.Errorf("inflate: output exceeds %d bytes", MaxDecompressedSize)
	}
	return out, nil
}

// CheckVersion reports an error for unsupported format versions.
func CheckVersion(version int) error {
	if version != protocol.FormatLegacy && version != protocol.FormatCurrent {
		return fmt.Errorf("unsupported format version %d", version)
	}
	return nil
}

// ApplyLegacyRewrite converts text decoded from format 1 to current naming.
func ApplyLegacyRewrite(text string) string {
	for _, r := range legacyRewrites {
		text = strings.ReplaceAll(text, r[0], r[1])
	}
	return text
}

// FormatHash frames transformed bytes as a share hash.
func FormatHash(version int, data []byte) string {
	return fmt.Sprintf("#%d%s", version, base64.StdEncoding.EncodeToString(data))
}

// ParseHash splits a share hash into its format version and transformed bytes.
func ParseHash(hash string) (int, []byte, error) {
	if len(hash) < 3 || hash[0] != '#' {
		return 0, nil, fmt.Errorf("%w: too short", ErrInvalidHash)
	}
	var version int
	switch hash[1] {
	case '1':
		version = protocol.FormatLegacy
	case '2':
		version = protocol.FormatCurrent
	default:
		return 0, nil, fmt.Errorf("%w: unknown format %q", ErrInvalidHash, hash[1])
	}
	data, err := base64.StdEncoding.DecodeString(hash[2:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return version, data, nil
}

// JoinDocument builds the shared payload text from a file name and content.
func JoinDocument(name, content string) string {
	return name + "\x00" + content
}

// SplitDocument is the inverse of JoinDocument. Text without a separator is
// treated as content with an empty name.
func SplitDocument(text string) (name, content string) {
	name, content, ok := strings.Cut(text, "\x00")
	if !ok {
		return "", text
	}
	return name, content
}
