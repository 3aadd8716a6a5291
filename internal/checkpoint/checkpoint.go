package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/harness/internal/tracker"
)

type Type string

const (
	TypePreCompact Type = "PreCompact"
	TypeSessionEnd Type = "SessionEnd"
	TypeManual     Type = "Manual"
)

const (
	autoPrefix   = "auto-checkpoint-"
	manualPrefix = "checkpoint-"
	nameLayout   = "2006-01-02-1504"
)

// Meta is the YAML frontmatter of a checkpoint written by this package.
// Checkpoints written by hand may have none.
type Meta struct {
	ID        string    `yaml:"id"`
	Type      Type      `yaml:"type"`
	Timestamp time.Time `yaml:"timestamp"`
	TaskID    string    `yaml:"task_id,omitempty"`
	Files     int       `yaml:"files"`
}

// Checkpoint is a parsed checkpoint file.
type Checkpoint struct {
	Meta     Meta
	Body     string
	FilePath string
}

// Info identifies a checkpoint file on disk.
type Info struct {
	Path    string
	Name    string
	ModTime time.Time
}

// Writer creates checkpoint files in Dir.
type Writer struct {
	Dir    string
	Now    func() time.Time
	Logger *log.Logger
}

// NewWriter returns a Writer for dir using the wall clock.
func NewWriter(dir string, logger *log.Logger) *Writer {
	return &Writer{Dir: dir, Now: time.Now, Logger: logger}
}

// Write persists a new checkpoint and returns its path. files and task may
// both be empty.
func (w *Writer) Write(typ Type, files []FileChange, task *tracker.Task) (string, error) {
	now := time.Now()
	if w.Now != nil {
		now = w.Now()
	}
	meta := Meta{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: now.UTC().Truncate(time.Second),
		Files:     len(files),
	}
	if task != nil {
		meta.TaskID = task.ID
	}
	content, err := Render(meta, now, files, task)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	prefix := autoPrefix
	if typ == TypeManual {
		prefix = manualPrefix
	}
	base := prefix + now.Format(nameLayout)
	for i := 1; ; i++ {
		name := base + ".md"
		if i > 1 {
			name = fmt.Sprintf("%s-%d.md", base, i)
		}
		path := filepath.Join(w.Dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create checkpoint: %w", err)
		}
		_, werr := io.WriteString(f, content)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("failed to write checkpoint: %w", errors.Join(werr, cerr))
		}
		w.logger().Debug("checkpoint written", "path", path, "type", typ, "files", len(files))
		return path, nil
	}
}

func (w *Writer) logger() *log.Logger {
	if w.Logger == nil {
		return log.New(io.Discard)
	}
	return w.Logger
}

// Render builds checkpoint content: frontmatter followed by the markdown body.
func Render(meta Meta, now time.Time, files []FileChange, task *tracker.Task) (string, error) {
	fm, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n")
	b.WriteString("# Auto Checkpoint\n\n")
	fmt.Fprintf(&b, "**Date:** %s\n", now.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "**Type:** %s\n\n", meta.Type)

	if task != nil {
		b.WriteString("## Active Task\n")
		fmt.Fprintf(&b, "%s: %s\n", task.ID, task.Title)
		fmt.Fprintf(&b, "Status: %s\n\n", task.Status)
	}

	b.WriteString("## Modified Files\n")
	if len(files) == 0 {
		b.WriteString("- (no files detected)\n")
	}
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%s)\n", f.Path, f.Action)
	}
	b.WriteString("\n")

	b.WriteString("## Session Summary\n(Add summary here)\n\n")
	b.WriteString("## Next Steps\n(Add next steps here)\n")
	return b.String(), nil
}

// Parse splits a checkpoint into frontmatter and body. Content without a
// leading --- block is all body.
func Parse(raw []byte) (*Checkpoint, error) {
	content := string(raw)
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return &Checkpoint{Body: content}, nil
	}

	rest := strings.TrimLeft(trimmed[3:], " \t")
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "\r"), "\n")

	end := strings.Index(rest, "\n---")
	if end == -1 {
		return nil, fmt.Errorf("unterminated frontmatter: missing closing ---")
	}

	var meta Meta
	if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
		return nil, fmt.Errorf("invalid frontmatter YAML: %w", err)
	}
	return &Checkpoint{
		Meta: meta,
		Body: strings.TrimLeft(rest[end+4:], "\r\n"),
	}, nil
}

// Load reads and parses the checkpoint at path.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read checkpoint: %w", err)
	}
	cp, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	cp.FilePath = path
	return cp, nil
}

// List returns automatic and manual checkpoints in dir, newest first. A
// missing directory yields an empty list.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read checkpoint directory: %w", err)
	}

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".md" {
			continue
		}
		if !strings.HasPrefix(name, autoPrefix) && !strings.HasPrefix(name, manualPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: filepath.Join(dir, name), Name: name, ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name > out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Latest returns the newest checkpoint regardless of age, or nil.
func Latest(dir string) (*Info, error) {
	all, err := List(dir)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// FindRecent returns the newest checkpoint modified within maxAge of now,
// or nil.
func FindRecent(dir string, maxAge time.Duration, now time.Time) (*Info, error) {
	latest, err := Latest(dir)
	if err != nil || latest == nil {
		return nil, err
	}
	if now.Sub(latest.ModTime) > maxAge {
		return nil, nil
	}
	return latest, nil
}

// ShouldWrite decides whether a SessionEnd checkpoint is worth writing.
// Nothing is written without trackable work. When a recent checkpoint
// exists, a new one is written only if a listed file changed after it or
// the active task differs from the one it recorded.
func ShouldWrite(recent *Info, files []FileChange, task *tracker.Task, projectDir string) bool {
	if len(files) == 0 && task == nil {
		return false
	}
	if recent == nil {
		return true
	}

	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	// hand-written checkpoints carry no task metadata to compare
	if cp, err := Load(recent.Path); err == nil && cp.Meta.ID != "" && cp.Meta.TaskID != taskID {
		return true
	}

	for _, f := range files {
		p := f.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(projectDir, p)
		}
		if info, err := os.Stat(p); err == nil && info.ModTime().After(recent.ModTime) {
			return true
		}
	}
	return false
}
