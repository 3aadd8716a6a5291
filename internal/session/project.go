package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

type ProjectType string

const (
	ProjectGo        ProjectType = "go"
	ProjectRust      ProjectType = "rust"
	ProjectNodePnpm  ProjectType = "node-pnpm"
	ProjectNodeYarn  ProjectType = "node-yarn"
	ProjectNodeNpm   ProjectType = "node-npm"
	ProjectPythonUV  ProjectType = "python-uv"
	ProjectPythonPip ProjectType = "python-pip"
)

// IsNode reports whether t is one of the node package-manager variants.
func (t ProjectType) IsNode() bool {
	return strings.HasPrefix(string(t), "node-")
}

// IsPython reports whether t is a python variant.
func (t ProjectType) IsPython() bool {
	return strings.HasPrefix(string(t), "python-")
}

// packageManager returns the node package manager for t.
func (t ProjectType) packageManager() string {
	switch t {
	case ProjectNodePnpm:
		return "pnpm"
	case ProjectNodeYarn:
		return "yarn"
	}
	return "npm"
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// DetectProjectType inspects marker files in priority order. It returns ""
// when no marker is present.
func DetectProjectType(dir string) ProjectType {
	switch {
	case exists(dir, "go.mod"):
		return ProjectGo
	case exists(dir, "Cargo.toml"):
		return ProjectRust
	case exists(dir, "package.json"):
		if exists(dir, "pnpm-lock.yaml") {
			return ProjectNodePnpm
		}
		if exists(dir, "yarn.lock") {
			return ProjectNodeYarn
		}
		return ProjectNodeNpm
	case exists(dir, "pyproject.toml"):
		return ProjectPythonUV
	case exists(dir, "requirements.txt"):
		return ProjectPythonPip
	}
	return ""
}

// StartupCommands returns the install/build sequence for the project at
// dir. Nothing is executed.
func StartupCommands(dir string) []string {
	t := DetectProjectType(dir)
	switch {
	case t == ProjectGo:
		cmds := []string{"go mod download", "go build ./..."}
		if exists(dir, "Makefile") {
			cmds = append(cmds, "make setup 2>/dev/null || true")
		}
		return cmds
	case t == ProjectRust:
		return []string{"cargo build"}
	case t.IsNode():
		pm := t.packageManager()
		return []string{pm + " install", pm + " run build 2>/dev/null || true"}
	case t == ProjectPythonUV:
		return []string{"uv sync"}
	case t == ProjectPythonPip:
		return []string{"pip install -e . 2>/dev/null || pip install -r requirements.txt"}
	}
	return nil
}

// DefaultVerificationCommand composes a test invocation that targets
// featureID, or "" when the project type is unknown.
func DefaultVerificationCommand(dir, featureID string) string {
	t := DetectProjectType(dir)
	switch {
	case t == ProjectGo:
		return "go test ./... -run " + testNamePattern(featureID)
	case t == ProjectRust:
		return "cargo test " + strings.ReplaceAll(featureID, "-", "_")
	case t.IsNode():
		runner := "npx"
		if t != ProjectNodeNpm {
			runner = t.packageManager()
		}
		return fmt.Sprintf("%s vitest run --grep '%s' 2>/dev/null || %s jest --testNamePattern '%s'",
			runner, featureID, runner, featureID)
	case t.IsPython():
		return "pytest -k " + strings.ReplaceAll(featureID, "-", "_")
	}
	return ""
}

// testNamePattern converts auth-login to AuthLogin.
func testNamePattern(id string) string {
	var b strings.Builder
	for _, part := range strings.Split(id, "-") {
		runes := []rune(strings.ToLower(part))
		if len(runes) == 0 {
			continue
		}
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}
