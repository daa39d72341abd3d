// Package sandbox runs untrusted code in locked-down, single-use containers
// and normalizes everything that crosses the sandbox boundary.
package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LanguageType distinguishes interpreted from compiled entries.
type LanguageType string

const (
	TypeInterpreted LanguageType = "interpreted"
	TypeCompiled    LanguageType = "compiled"
)

// Language is one immutable catalog entry. RunCommand and CompileCommand are
// shell fragments; the placeholder /tmp/code is replaced with the actual
// source path during script assembly.
type Language struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name" json:"name"`
	Type           LanguageType  `yaml:"type" json:"type"`
	Image          string        `yaml:"image" json:"image"`
	FileName       string        `yaml:"file_name" json:"fileName"`
	FileExtension  string        `yaml:"file_extension" json:"fileExtension"`
	CompileCommand string        `yaml:"compile_command,omitempty" json:"compileCommand,omitempty"`
	RunCommand     string        `yaml:"run_command" json:"runCommand"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	MemoryLimitMB  int64         `yaml:"memory_limit_mb" json:"memoryLimit"`
	CPULimit       float64       `yaml:"cpu_limit" json:"cpuLimit"`
	PidsLimit      int64         `yaml:"pids_limit" json:"pidsLimit"`
	NoFile         int64         `yaml:"nofile" json:"nofile"`
	NProc          int64         `yaml:"nproc" json:"nproc"`
	ClassName      string        `yaml:"class_name,omitempty" json:"className,omitempty"`
}

// DefaultLanguage is used when an interactive session asks for an
// unsupported language.
const DefaultLanguage = "bash"

func defaultLanguages() []Language {
	base := func(l Language) Language {
		if l.Timeout == 0 {
			l.Timeout = 10 * time.Second
		}
		if l.MemoryLimitMB == 0 {
			l.MemoryLimitMB = 128
		}
		if l.CPULimit == 0 {
			l.CPULimit = 0.5
		}
		if l.PidsLimit == 0 {
			l.PidsLimit = 64
		}
		if l.NoFile == 0 {
			l.NoFile = 64
		}
		if l.NProc == 0 {
			l.NProc = 32
		}
		return l
	}

	return []Language{
		base(Language{
			ID: "javascript", Name: "JavaScript (Node.js)", Type: TypeInterpreted,
			Image: "node:20-alpine", FileName: "main.js", FileExtension: ".js",
			RunCommand: "node main.js",
		}),
		base(Language{
			ID: "typescript", Name: "TypeScript", Type: TypeInterpreted,
			Image: "codepod/typescript:latest", FileName: "main.ts", FileExtension: ".ts",
			RunCommand: "tsx main.ts",
		}),
		base(Language{
			ID: "python", Name: "Python 3", Type: TypeInterpreted,
			Image: "python:3.12-alpine", FileName: "main.py", FileExtension: ".py",
			RunCommand: "python3 main.py",
		}),
		base(Language{
			ID: "go", Name: "Go", Type: TypeCompiled,
			Image: "golang:1.22-alpine", FileName: "main.go", FileExtension: ".go",
			CompileCommand: "go build -o program /tmp/code",
			RunCommand:     "./program",
			Timeout:        15 * time.Second, MemoryLimitMB: 256,
			// The Go toolchain opens far more files and spawns more
			// processes than the baseline profile allows.
			PidsLimit: 128, NoFile: 256, NProc: 128,
		}),
		base(Language{
			ID: "java", Name: "Java", Type: TypeCompiled,
			Image: "eclipse-temurin:21-jdk-alpine", FileName: "Main.java", FileExtension: ".java",
			CompileCommand: "javac /tmp/code",
			RunCommand:     "java Main",
			Timeout:        15 * time.Second, MemoryLimitMB: 256,
			ClassName:      "Main",
			NoFile:         128, NProc: 64, PidsLimit: 96,
		}),
		base(Language{
			ID: "c", Name: "C", Type: TypeCompiled,
			Image: "gcc:13", FileName: "main.c", FileExtension: ".c",
			CompileCommand: "gcc -O2 -o program /tmp/code",
			RunCommand:     "./program",
		}),
		base(Language{
			ID: "cpp", Name: "C++", Type: TypeCompiled,
			Image: "gcc:13", FileName: "main.cpp", FileExtension: ".cpp",
			CompileCommand: "g++ -O2 -std=c++20 -o program /tmp/code",
			RunCommand:     "./program",
		}),
		base(Language{
			ID: "ruby", Name: "Ruby", Type: TypeInterpreted,
			Image: "ruby:3.3-alpine", FileName: "main.rb", FileExtension: ".rb",
			RunCommand: "ruby main.rb",
		}),
		base(Language{
			ID: "bash", Name: "Bash", Type: TypeInterpreted,
			Image: "bash:5.2-alpine3.20", FileName: "main.sh", FileExtension: ".sh",
			RunCommand: "bash main.sh",
		}),
		base(Language{
			ID: "sql", Name: "SQL (SQLite)", Type: TypeInterpreted,
			Image: "keinos/sqlite3:latest", FileName: "query.sql", FileExtension: ".sql",
			RunCommand: `sqlite3 :memory: ".read /tmp/query.sql"`,
		}),
	}
}

// Catalog is the process-lifetime, immutable id → Language mapping.
type Catalog struct {
	langs map[string]Language
	order []string
}

// NewCatalog returns the built-in catalog.
func NewCatalog() *Catalog {
	return newCatalog(defaultLanguages())
}

// LoadCatalog reads catalog overrides from a yaml file and merges them over
// the built-in defaults. Entries are matched by id.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read language catalog: %w", err)
	}
	var overrides []Language
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse language catalog: %w", err)
	}

	langs := defaultLanguages()
	byID := make(map[string]int, len(langs))
	for i, l := range langs {
		byID[l.ID] = i
	}
	for _, o := range overrides {
		if err := validateLanguage(o); err != nil {
			return nil, err
		}
		if i, ok := byID[o.ID]; ok {
			langs[i] = o
		} else {
			langs = append(langs, o)
		}
	}
	return newCatalog(langs), nil
}

func newCatalog(langs []Language) *Catalog {
	c := &Catalog{langs: make(map[string]Language, len(langs))}
	for _, l := range langs {
		c.langs[l.ID] = l
		c.order = append(c.order, l.ID)
	}
	sort.Strings(c.order)
	return c
}

func validateLanguage(l Language) error {
	if l.ID == "" || l.ID != strings.ToLower(l.ID) {
		return fmt.Errorf("language id %q must be lowercase and non-empty", l.ID)
	}
	if !strings.HasPrefix(l.FileExtension, ".") {
		return fmt.Errorf("language %q: file extension %q must begin with '.'", l.ID, l.FileExtension)
	}
	if l.RunCommand == "" {
		return fmt.Errorf("language %q: run command is required", l.ID)
	}
	if l.Type == TypeCompiled && l.CompileCommand == "" {
		return fmt.Errorf("language %q: compiled entries need a compile command", l.ID)
	}
	return nil
}

// IsSupported reports whether id is in the catalog.
func (c *Catalog) IsSupported(id string) bool {
	_, ok := c.langs[strings.ToLower(id)]
	return ok
}

// Get returns the entry for id.
func (c *Catalog) Get(id string) (Language, bool) {
	l, ok := c.langs[strings.ToLower(id)]
	return l, ok
}

// List returns all entries in stable id order.
func (c *Catalog) List() []Language {
	out := make([]Language, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.langs[id])
	}
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.langs) }
