package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultTestPatterns are the file globs treated as test files.
var DefaultTestPatterns = []string{"test_*.star", "*_test.star"}

// ConftestName is the per-directory shared definitions file. Its fixtures
// are visible to every test file at or below its directory.
const ConftestName = "conftest.star"

// ignoredDirPatterns are directory names never descended into.
var ignoredDirPatterns = []string{
	"*.egg",
	".*",
	"_darcs",
	"build",
	"CVS",
	"dist",
	"node_modules",
	"venv",
	"{arch}",
}

// DiscoverFiles expands the given paths into the sorted list of test files.
// Directories are walked recursively with the standard exclusions applied;
// explicit file arguments bypass pattern matching so a test file can always
// be named directly. root is the directory ids are expressed relative to.
func DiscoverFiles(root string, paths []string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultTestPatterns
	}
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("path %s: %w", p, err)
		}
		if !info.IsDir() {
			add(p)
			continue
		}
		err = filepath.Walk(p, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if path != p && skipDir(path, info.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if matchesAny(info.Name(), patterns) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return relOrSelf(root, files[i]) < relOrSelf(root, files[j])
	})
	return files, nil
}

// ResolveRoot picks the directory ids are relative to: the common ancestor
// directory of the given paths, or the working directory when none given.
func ResolveRoot(paths []string) (string, error) {
	if len(paths) == 0 {
		return os.Getwd()
	}
	var root string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("path %s: %w", p, err)
		}
		dir := abs
		if !info.IsDir() {
			dir = filepath.Dir(abs)
		}
		if root == "" {
			root = dir
		} else {
			root = commonDir(root, dir)
		}
	}
	return root, nil
}

// ConftestChain lists the shared definition files that apply to a test file
// in dir, outermost first. Only existing files are returned.
func ConftestChain(root, dir string) []string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = "."
	}
	var chain []string
	cur := root
	candidate := filepath.Join(cur, ConftestName)
	if fileExists(candidate) {
		chain = append(chain, candidate)
	}
	if rel != "." {
		for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
			cur = filepath.Join(cur, part)
			candidate := filepath.Join(cur, ConftestName)
			if fileExists(candidate) {
				chain = append(chain, candidate)
			}
		}
	}
	return chain
}

// skipDir reports whether a directory should be pruned from the walk.
func skipDir(path, name string) bool {
	if matchesAny(name, ignoredDirPatterns) {
		return true
	}
	return isVirtualEnv(path)
}

// isVirtualEnv detects Python virtual environments and conda environments
// regardless of their directory name.
func isVirtualEnv(dir string) bool {
	if fileExists(filepath.Join(dir, "pyvenv.cfg")) {
		return true
	}
	return fileExists(filepath.Join(dir, "conda-meta", "history"))
}

func matchesAny(name string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := filepath.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// relOrSelf is filepath.Rel with slash normalization, falling back to the
// input when it is not under root.
func relOrSelf(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func commonDir(a, b string) string {
	as := strings.Split(filepath.ToSlash(a), "/")
	bs := strings.Split(filepath.ToSlash(b), "/")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	i := 0
	for i < n && as[i] == bs[i] {
		i++
	}
	if i == 0 {
		return string(filepath.Separator)
	}
	return filepath.FromSlash(strings.Join(as[:i], "/"))
}
