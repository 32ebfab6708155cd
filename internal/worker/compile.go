package worker

import (
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Names used by the runtime's own files; scripts with these names are renamed.
var reservedNames = map[string]bool{
	"console-stub.mjs": true,
	"wrapper.js":       true,
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFileName maps a display name to the file name the script runs as.
func SanitizeFileName(name string) string {
	if reservedNames[name] {
		name = "input-" + name
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// compileSource transforms source into CommonJS the runtime can evaluate.
// It returns the formatted diagnostics and whether compilation succeeded.
func compileSource(fileName, source string, typed bool) (code, messages string, ok bool) {
	loader := api.LoaderJS
	if typed {
		loader = api.LoaderTS
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Sourcefile: fileName,
		LogLevel:   api.LogLevelSilent,
	})

	var b strings.Builder
	for _, m := range api.FormatMessages(result.Errors, api.FormatMessagesOptions{Kind: api.ErrorMessage}) {
		b.WriteString(m)
	}
	for _, m := range api.FormatMessages(result.Warnings, api.FormatMessagesOptions{Kind: api.WarningMessage}) {
		b.WriteString(m)
	}

	if len(result.Errors) > 0 {
		return "", b.String(), false
	}
	return string(result.Code), b.String(), true
}
