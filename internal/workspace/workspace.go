// Package workspace holds the set of open script files, the selected file
// and the bookkeeping autosave needs (dirty flags and closed ids).
package workspace

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"slices"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned for operations on a file id that is not open.
	ErrNotFound = errors.New("file not found")

	// ErrLastFile is returned when closing the only open file.
	ErrLastFile = errors.New("cannot close the last open file")
)

// maxFileID keeps ids exactly representable as JSON numbers.
const maxFileID = 1 << 52

// NewFileTemplate is the content of files created with NewFile.
const NewFileTemplate = `
// Import Quick Regular Expressions
import qre from "qre";

const yourExpression = qre` + "``" + `;
`

var languages = map[string]string{
	"js":  "javascript",
	"jsx": "javascript",
	"mjs": "javascript",
	"cjs": "javascript",
	"ts":  "typescript",
	"tsx": "typescript",
	"mts": "typescript",
	"cts": "typescript",
}

// Language returns the editor language for a file name. Unknown extensions
// are treated as javascript.
func Language(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if lang, ok := languages[ext]; ok {
		return lang
	}
	return "javascript"
}

// IsTyped reports whether a file should be compiled as TypeScript.
func IsTyped(name string) bool {
	return Language(name) == "typescript"
}

// Editor is the source of an editor-triggered run. Both methods are read
// when the run starts, so edits made while a run is queued are included.
type Editor interface {
	FileName() string
	CurrentContent() string
}

// File is a snapshot of an open file.
type File struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Dirty   bool   `json:"dirty"`
}

// Workspace is safe for concurrent use.
type Workspace struct {
	mu       sync.Mutex
	files    []*File
	selected int64
	closed   []int64
}

// New creates a workspace with a single selected file.
func New(name, content string) *Workspace {
	w := &Workspace{}
	f := &File{ID: w.newID(), Name: name, Content: content, Dirty: true}
	w.files = append(w.files, f)
	w.selected = f.ID
	return w
}

// FileName returns the name of the selected file.
func (w *Workspace) FileName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.find(w.selected).Name
}

// CurrentContent returns the content of the selected file.
func (w *Workspace) CurrentContent() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.find(w.selected).Content
}

// Editor returns an Editor reading file id at call time. A closed file reads
// as empty.
func (w *Workspace) Editor(id int64) Editor {
	return fileEditor{ws: w, id: id}
}

type fileEditor struct {
	ws *Workspace
	id int64
}

func (e fileEditor) FileName() string {
	f, _ := e.ws.File(e.id)
	return f.Name
}

func (e fileEditor) CurrentContent() string {
	f, _ := e.ws.File(e.id)
	return f.Content
}

// Files returns snapshots of the open files in tab order.
func (w *Workspace) Files() []File {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]File, 0, len(w.files))
	for _, f := range w.files {
		out = append(out, *f)
	}
	return out
}

// File returns the open file with the given id.
func (w *Workspace) File(id int64) (File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.find(id)
	if f == nil {
		return File{}, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	return *f, nil
}

// Selected returns the selected file.
func (w *Workspace) Selected() File {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.find(w.selected)
}

// Open selects a file whose content matches content (ignoring surrounding
// whitespace) or adds a new one.
func (w *Workspace) Open(name, content string) File {
	w.mu.Lock()
	defer w.mu.Unlock()
	want := strings.TrimSpace(content)
	for _, f := range w.files {
		if strings.TrimSpace(f.Content) == want {
			w.selected = f.ID
			return *f
		}
	}
	f := &File{ID: w.newID(), Name: name, Content: content, Dirty: true}
	w.files = append(w.files, f)
	w.selected = f.ID
	return *f
}

// NewFile adds and selects a file named Untitled.<ext>, numbering it when
// the name is taken.
func (w *Workspace) NewFile(ext string) File {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make(map[string]bool, len(w.files))
	for _, f := range w.files {
		names[f.Name] = true
	}
	name := "Untitled." + ext
	for i := 2; names[name]; i++ {
		name = fmt.Sprintf("Untitled (%d).%s", i, ext)
	}
	f := &File{ID: w.newID(), Name: name, Content: NewFileTemplate, Dirty: true}
	w.files = append(w.files, f)
	w.selected = f.ID
	return *f
}

// Rename changes a file name. A blank name becomes "Untitled".
func (w *Workspace) Rename(id int64, name string) (File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.find(id)
	if f == nil {
		return File{}, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Untitled"
	}
	f.Name = name
	f.Dirty = true
	return *f, nil
}

// Update replaces a file's content and marks it dirty.
func (w *Workspace) Update(id int64, content string) (File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.find(id)
	if f == nil {
		return File{}, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	f.Content = content
	f.Dirty = true
	return *f, nil
}

// Select makes id the selected file.
func (w *Workspace) Select(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.find(id) == nil {
		return fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	w.selected = id
	return nil
}

// Close removes a file and records its id for deletion from storage. If the
// closed file was selected, the tab to its left (or the first remaining
// tab) becomes selected.
func (w *Workspace) Close(id int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := w.index(id)
	if i < 0 {
		return fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if len(w.files) == 1 {
		return ErrLastFile
	}
	w.files = slices.Delete(w.files, i, i+1)
	if w.selected == id {
		w.selected = w.files[max(i-1, 0)].ID
	}
	w.closed = append(w.closed, id)
	return nil
}

// Replace swaps the open files for files loaded from storage and selects
// the first one. It does nothing when files is empty.
func (w *Workspace) Replace(files []File) {
	if len(files) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files = w.files[:0]
	for _, f := range files {
		f.Dirty = false
		w.files = append(w.files, &f)
	}
	w.selected = w.files[0].ID
}

// Clean returns snapshots of files without unsaved changes.
func (w *Workspace) Clean() []File {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []File
	for _, f := range w.files {
		if !f.Dirty {
			out = append(out, *f)
		}
	}
	return out
}

// Adopt applies a stored name and content to an open file, unless the file
// was closed or edited in the meantime. It reports whether anything changed.
func (w *Workspace) Adopt(stored File) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.find(stored.ID)
	if f == nil || f.Dirty {
		return false
	}
	changed := f.Name != stored.Name || f.Content != stored.Content
	f.Name = stored.Name
	f.Content = stored.Content
	return changed
}

// TakeChanges returns the dirty files and closed ids, clearing both. A
// caller that fails to persist them hands them back with Restore.
func (w *Workspace) TakeChanges() (dirty []File, closed []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		if f.Dirty {
			f.Dirty = false
			dirty = append(dirty, *f)
		}
	}
	closed, w.closed = w.closed, nil
	return dirty, closed
}

// Restore marks files dirty again and re-queues closed ids after a failed
// save.
func (w *Workspace) Restore(dirty []File, closed []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, d := range dirty {
		if f := w.find(d.ID); f != nil {
			f.Dirty = true
		}
	}
	w.closed = append(w.closed, closed...)
}

func (w *Workspace) find(id int64) *File {
	if i := w.index(id); i >= 0 {
		return w.files[i]
	}
	return nil
}

func (w *Workspace) index(id int64) int {
	return slices.IndexFunc(w.files, func(f *File) bool { return f.ID == id })
}

func (w *Workspace) newID() int64 {
	for {
		id := rand.Int64N(maxFileID)
		if id != 0 && w.find(id) == nil {
			return id
		}
	}
}
