package commands

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/unbracketed/prunejuice/internal/domain"
	"github.com/unbracketed/prunejuice/internal/repo"
)

//go:embed templates/*.yaml
var templatesFS embed.FS

// Definition models one YAML command file.
type Definition struct {
	Name             string            `yaml:"name" json:"name"`
	Description      string            `yaml:"description" json:"description,omitempty"`
	Category         string            `yaml:"category" json:"category,omitempty"`
	Arguments        []Argument        `yaml:"arguments" json:"arguments,omitempty"`
	Environment      map[string]string `yaml:"environment" json:"environment,omitempty"`
	PreSteps         []string          `yaml:"pre_steps" json:"pre_steps,omitempty"`
	Steps            []string          `yaml:"steps" json:"steps"`
	PostSteps        []string          `yaml:"post_steps" json:"post_steps,omitempty"`
	CleanupOnFailure []string          `yaml:"cleanup_on_failure" json:"cleanup_on_failure,omitempty"`
	WorkingDirectory string            `yaml:"working_directory" json:"working_directory,omitempty"`
	Timeout          int               `yaml:"timeout" json:"timeout,omitempty"`

	// Source is the file the definition came from; "builtin:<name>"
	// for embedded templates.
	Source string `yaml:"-" json:"source,omitempty"`
}

type Argument struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Default     string `yaml:"default" json:"default,omitempty"`
}

// validate rejects definitions that cannot be keyed or invoked. A
// command with no steps at all is legal; its step lists default to
// empty.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("command has no name")
	}
	for _, a := range d.Arguments {
		if a.Name == "" {
			return fmt.Errorf("command %s has an unnamed argument", d.Name)
		}
	}
	return nil
}

// StepSequence returns the full run order: pre-steps, then main
// steps, then post-steps.
func (d *Definition) StepSequence() []string {
	out := make([]string, 0, len(d.PreSteps)+len(d.Steps)+len(d.PostSteps))
	out = append(out, d.PreSteps...)
	out = append(out, d.Steps...)
	out = append(out, d.PostSteps...)
	return out
}

// ResolveArgs merges provided key=value arguments with defaults and
// rejects missing required arguments.
func (d *Definition) ResolveArgs(provided map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(d.Arguments))
	known := make(map[string]bool, len(d.Arguments))
	var missing []string
	for _, a := range d.Arguments {
		known[a.Name] = true
		if v, ok := provided[a.Name]; ok {
			resolved[a.Name] = v
			continue
		}
		if a.Required {
			missing = append(missing, a.Name)
			continue
		}
		resolved[a.Name] = a.Default
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	for k := range provided {
		if !known[k] {
			return nil, fmt.Errorf("unknown argument %q for command %s", k, d.Name)
		}
	}
	return resolved, nil
}

// Store loads command definitions from the project directory and the
// embedded templates. Project files shadow templates of the same name.
type Store struct {
	ProjectPath string
	Log         *zap.Logger

	cache map[string]*Definition
}

func NewStore(projectPath string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{ProjectPath: projectPath, Log: log}
}

func (s *Store) commandsDir() string {
	return filepath.Join(s.ProjectPath, ".prj", "commands")
}

func parseDefinition(data []byte, source string) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	d.Source = source
	return &d, nil
}

// All returns every loadable definition, project files first, then
// templates not shadowed by a project file. Unparseable files are
// logged and skipped.
func (s *Store) All() []*Definition {
	if s.cache != nil {
		defs := make([]*Definition, 0, len(s.cache))
		for _, d := range s.cache {
			defs = append(defs, d)
		}
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
		return defs
	}

	s.cache = map[string]*Definition{}

	entries, err := os.ReadDir(s.commandsDir())
	if err != nil && !os.IsNotExist(err) {
		s.Log.Warn("read commands dir", zap.String("dir", s.commandsDir()), zap.Error(err))
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.commandsDir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.Log.Warn("read command file", zap.String("path", path), zap.Error(err))
			continue
		}
		d, err := parseDefinition(data, path)
		if err != nil {
			s.Log.Warn("skip invalid command file", zap.String("path", path), zap.Error(err))
			continue
		}
		s.cache[d.Name] = d
	}

	tmpl, _ := fs.ReadDir(templatesFS, "templates")
	for _, e := range tmpl {
		data, err := templatesFS.ReadFile("templates/" + e.Name())
		if err != nil {
			continue
		}
		d, err := parseDefinition(data, "builtin:"+strings.TrimSuffix(e.Name(), ".yaml"))
		if err != nil {
			s.Log.Warn("skip invalid template", zap.String("name", e.Name()), zap.Error(err))
			continue
		}
		if _, shadowed := s.cache[d.Name]; shadowed {
			continue
		}
		s.cache[d.Name] = d
	}

	return s.All()
}

// Get returns a definition by exact name.
func (s *Store) Get(name string) (*Definition, error) {
	s.All()
	d, ok := s.cache[name]
	if !ok {
		return nil, fmt.Errorf("command %q not found", name)
	}
	return d, nil
}

// Reset clears the cache so the next call re-reads from disk.
func (s *Store) Reset() {
	s.cache = nil
}

// Sync refreshes command_definitions rows for project-level command
// files. Failures are logged and ignored; discovery never fails
// because of bookkeeping.
func (s *Store) Sync(ctx context.Context, r repo.Repo, now time.Time) {
	for _, d := range s.All() {
		if strings.HasPrefix(d.Source, "builtin:") {
			continue
		}
		data, err := os.ReadFile(d.Source)
		if err != nil {
			s.Log.Warn("hash command file", zap.String("path", d.Source), zap.Error(err))
			continue
		}
		sum := sha256.Sum256(data)
		err = r.UpsertCommandDefinition(ctx, domain.StoredCommand{
			Name:        d.Name,
			Description: d.Description,
			YAMLPath:    d.Source,
			YAMLHash:    hex.EncodeToString(sum[:]),
			UpdatedAt:   now.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			s.Log.Warn("store command definition", zap.String("name", d.Name), zap.Error(err))
		}
	}
}

// TemplateFiles exposes the embedded templates so project init can
// copy them into .prj/commands.
func TemplateFiles() (map[string][]byte, error) {
	out := map[string][]byte{}
	entries, err := fs.ReadDir(templatesFS, "templates")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := templatesFS.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, err
		}
		out[e.Name()] = data
	}
	return out, nil
}
