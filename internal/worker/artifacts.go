package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// maxArtifactSize bounds a single downloaded module.
const maxArtifactSize = 8 << 20

type preludeModule struct {
	name string
	code string
}

// loadPrelude fetches and compiles every configured prelude module.
func (w *Worker) loadPrelude(ctx context.Context) ([]preludeModule, error) {
	prelude := make([]preludeModule, 0, len(w.cfg.Modules))
	for _, name := range w.cfg.Modules {
		src, err := w.fetchModule(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		code, messages, ok := compileSource(name+".mjs", src, false)
		if !ok {
			return nil, fmt.Errorf("compile module %s: %s", name, strings.TrimSpace(messages))
		}
		prelude = append(prelude, preludeModule{name: name, code: code})
	}
	w.logger.Debug("prelude loaded", "modules", len(prelude))
	return prelude, nil
}

func (w *Worker) fetchModule(ctx context.Context, name string) (string, error) {
	file := name + ".mjs"

	switch {
	case w.cfg.ArtifactDir != "":
		f, err := os.Open(filepath.Join(w.cfg.ArtifactDir, filepath.Base(file)))
		if err != nil {
			return "", fmt.Errorf("read artifact: %w", err)
		}
		defer f.Close()
		return readArtifact(f, file)

	case w.cfg.ArtifactURL != "":
		url := strings.TrimSuffix(w.cfg.ArtifactURL, "/") + "/" + file
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("create request: %w", err)
		}
		resp, err := w.cfg.HTTPClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("download %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("download %s: status %d", url, resp.StatusCode)
		}
		return readArtifact(resp.Body, file)

	default:
		return "", fmt.Errorf("no artifact source configured")
	}
}

// readArtifact reads one module, refusing anything past maxArtifactSize
// rather than compiling a truncated prefix.
func readArtifact(r io.Reader, file string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxArtifactSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	if len(data) > maxArtifactSize {
		return "", fmt.Errorf("artifact %s exceeds %d bytes", file, maxArtifactSize)
	}
	return string(data), nil
}
