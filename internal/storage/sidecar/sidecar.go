// Package sidecar stores annotations as a JSON file next to the video.
package sidecar

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pitchtag/annotator/pkg/core"
)

const (
	// Suffix is appended to the video stem.
	Suffix = "_Labels"
	// Ext is the sidecar extension.
	Ext = ".json"
)

// Path derives the sidecar path for a video: D/V.ext becomes D/V_Labels.json.
func Path(videoPath string) string {
	dir := filepath.Dir(videoPath)
	base := filepath.Base(videoPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, stem+Suffix+Ext)
}

// Document is the root JSON structure. It has exactly one key.
type Document struct {
	Annotations []Record `json:"annotations"`
}

// Record is one annotation as written to disk. Keys are declared in the
// order existing files use.
type Record struct {
	GameTime   string   `json:"gameTime"`
	Label      string   `json:"label"`
	Position   Position `json:"position"`
	Team       string   `json:"team"`
	Visibility string   `json:"visibility"`
}

// Position is a millisecond offset serialized as a decimal string.
// Plain JSON numbers are accepted on read.
type Position int64

// MarshalJSON writes the position as a quoted decimal string.
func (p Position) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(p), 10))), nil
}

// UnmarshalJSON reads "1080" or 1080.
func (p *Position) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid position %s", data)
	}
	if n < 0 {
		return fmt.Errorf("negative position %d", n)
	}
	*p = Position(n)
	return nil
}

// Backend reads and writes sidecar files.
type Backend struct{}

// New creates a sidecar backend.
func New() *Backend {
	return &Backend{}
}

// Exists reports whether a sidecar file exists at path.
func (b *Backend) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads the sidecar at path. Records come back without IDs.
func (b *Backend) Load(path string) ([]core.Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}

	doc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return FromDocument(doc), nil
}

// Save writes anns to path, replacing any previous file. The document is
// written to a temporary file in the same directory and renamed over path.
func (b *Backend) Save(path string, anns []core.Annotation) error {
	data, err := Encode(ToDocument(anns))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace sidecar: %w", err)
	}
	return nil
}

// Export writes anns to path, gzipped when compress is set. Unlike Save it
// creates missing parent directories.
func Export(path string, anns []core.Annotation, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := Encode(ToDocument(anns))
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if !compress {
		_, err = f.Write(data)
		return err
	}

	gzWriter := gzip.NewWriter(f)
	if _, err := gzWriter.Write(data); err != nil {
		gzWriter.Close()
		return fmt.Errorf("failed to write gzip stream: %w", err)
	}
	return gzWriter.Close()
}

// Encode renders doc with two-space indentation.
func Encode(doc Document) ([]byte, error) {
	if doc.Annotations == nil {
		doc.Annotations = []Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode annotations: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a sidecar document. A document without the annotations key
// decodes to an empty list.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("malformed sidecar: %w", err)
	}
	if doc.Annotations == nil {
		doc.Annotations = []Record{}
	}
	return doc, nil
}

// ToDocument converts annotations to their on-disk form.
func ToDocument(anns []core.Annotation) Document {
	doc := Document{Annotations: make([]Record, 0, len(anns))}
	for _, a := range anns {
		doc.Annotations = append(doc.Annotations, Record{
			GameTime:   a.GameTime,
			Label:      string(a.Label),
			Position:   Position(a.Position),
			Team:       string(a.Team),
			Visibility: a.Visibility,
		})
	}
	return doc
}

// FromDocument converts on-disk records to annotations. IDs are left empty.
func FromDocument(doc Document) []core.Annotation {
	anns := make([]core.Annotation, 0, len(doc.Annotations))
	for _, r := range doc.Annotations {
		anns = append(anns, core.Annotation{
			Position:   int64(r.Position),
			GameTime:   r.GameTime,
			Label:      core.Label(r.Label),
			Team:       core.Team(r.Team),
			Visibility: r.Visibility,
		})
	}
	return anns
}
