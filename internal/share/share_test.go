package share

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/sandbroker/internal/codec"
	"github.com/seantiz/sandbroker/internal/protocol"
)

// localTransformer runs the codec in-process.
type localTransformer struct {
	err error
}

func (l localTransformer) Compress(_ context.Context, data []byte) ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	return codec.Compress(data)
}

func (l localTransformer) Decompress(_ context.Context, data []byte, version int) ([]byte, error) {
	if l.err != nil {
		return nil, l.err
	}
	return codec.Decompress(data, version)
}

func TestEncodeDecode(t *testing.T) {
	ctx := context.Background()
	tr := localTransformer{}
	content := "import qre from \"qre\";\n\nconst yourExpression = qre`begin-of-text; digit`;\n"

	hash, err := Encode(ctx, tr, "Untitled.js", content)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasPrefix(hash, "#2") {
		t.Errorf("hash %q does not start with #2", hash)
	}

	name, got, err := Decode(ctx, tr, hash)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if name != "Untitled.js" || got != content {
		t.Errorf("Decode = %q, %q", name, got)
	}
}

func TestDecodeLegacy(t *testing.T) {
	ctx := context.Background()
	packed, err := codec.Compress([]byte("old.js\x00import cre from 'con-reg-exp'; // Convenient"))
	if err != nil {
		t.Fatal(err)
	}
	hash := codec.FormatHash(protocol.FormatLegacy, packed)

	name, content, err := Decode(ctx, localTransformer{}, hash)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if name != "old.js" {
		t.Errorf("name = %q", name)
	}
	if want := "import qre from 'qre'; // Quick"; content != want {
		t.Errorf("content = %q, want %q", content, want)
	}
}

func TestDecodeErrors(t *testing.T) {
	ctx := context.Background()
	if _, _, err := Decode(ctx, localTransformer{}, "#3abcd"); !errors.Is(err, codec.ErrInvalidHash) {
		t.Errorf("Decode(#3) = %v, want ErrInvalidHash", err)
	}

	errDown := errors.New("executor down")
	if _, _, err := Decode(ctx, localTransformer{err: errDown}, "#2AAAA"); !errors.Is(err, errDown) {
		t.Errorf("Decode with failing transformer = %v", err)
	}
	if _, err := Encode(ctx, localTransformer{err: errDown}, "a.js", ""); !errors.Is(err, errDown) {
		t.Errorf("Encode with failing transformer = %v", err)
	}
}
