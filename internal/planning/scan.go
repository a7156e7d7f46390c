package planning

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/worldmind/worldmind/internal/core"
)

// FSScanner is the local-filesystem ProjectScanner: it walks the workspace,
// infers language and framework from build files and extensions, and
// collects a bounded file tree and dependency list.
type FSScanner struct {
	// MaxFiles bounds the collected file tree. Zero means 500.
	MaxFiles int
}

var languageByExtension = map[string]string{
	".go":   "go",
	".py":   "python",
	".java": "java",
	".kt":   "kotlin",
	".js":   "javascript",
	".ts":   "typescript",
	".rb":   "ruby",
	".rs":   "rust",
}

// Scan implements ProjectScanner.
func (s FSScanner) Scan(_ context.Context, projectPath string) (core.ProjectContext, error) {
	maxFiles := s.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 500
	}

	var files []string
	extCounts := make(map[string]int)
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == "node_modules" || name == "target" || strings.HasPrefix(name, ".worldmind") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(projectPath, path)
		if err != nil {
			return err
		}
		if len(files) < maxFiles {
			files = append(files, filepath.ToSlash(rel))
		}
		extCounts[filepath.Ext(name)]++
		return nil
	})
	if err != nil {
		return core.ProjectContext{}, fmt.Errorf("scanning %s: %w", projectPath, err)
	}
	sort.Strings(files)

	language := dominantLanguage(extCounts)
	framework, deps := detectStack(projectPath, language)

	return core.ProjectContext{
		Language:     language,
		Framework:    framework,
		FileTree:     files,
		Dependencies: deps,
		Summary:      fmt.Sprintf("%d files, primary language %s", len(files), language),
	}, nil
}

func dominantLanguage(extCounts map[string]int) string {
	best, bestCount := "unknown", 0
	for ext, count := range extCounts {
		if lang, ok := languageByExtension[ext]; ok && count > bestCount {
			best, bestCount = lang, count
		}
	}
	return best
}

// detectStack reads the language's standard build file for framework hints
// and direct dependencies.
func detectStack(projectPath, language string) (framework string, deps []string) {
	switch language {
	case "go":
		deps = goModules(filepath.Join(projectPath, "go.mod"))
	case "java", "kotlin":
		if _, err := os.Stat(filepath.Join(projectPath, "pom.xml")); err == nil {
			framework = "maven"
		} else if _, err := os.Stat(filepath.Join(projectPath, "build.gradle")); err == nil {
			framework = "gradle"
		}
	case "javascript", "typescript":
		if _, err := os.Stat(filepath.Join(projectPath, "package.json")); err == nil {
			framework = "node"
		}
	case "python":
		if _, err := os.Stat(filepath.Join(projectPath, "pyproject.toml")); err == nil {
			framework = "pyproject"
		} else if _, err := os.Stat(filepath.Join(projectPath, "requirements.txt")); err == nil {
			framework = "pip"
		}
	}
	return framework, deps
}

// goModules parses the direct require block of a go.mod.
func goModules(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var deps []string
	inRequire := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "require ("):
			inRequire = true
		case inRequire && line == ")":
			inRequire = false
		case inRequire && line != "" && !strings.Contains(line, "// indirect"):
			if fields := strings.Fields(line); len(fields) >= 1 {
				deps = append(deps, fields[0])
			}
		}
	}
	return deps
}
