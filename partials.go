package mustach

import (
	"fmt"
	"os"
	"path"
	"strings"
)

// PartialProvider comprises the behaviors required of a struct to be able
// to provide partials to the mustach rendering engine.
type PartialProvider interface {
	// Get accepts the name of a partial and reports whether it was found.
	// Indentation reproduction is handled by the applier's PREFIX opcode,
	// not by the provider, so Get returns raw, unindented source.
	Get(name string) (source string, found bool, err error)
}

// FileProvider implements PartialProvider by reading partials from a
// filesystem. When a partial named NAME is requested, FileProvider searches
// each listed path for a file named NAME followed by any of the listed
// extensions. The default for Paths is to search the current working
// directory. The default for Extensions is to examine, in order, no
// extension; then ".mustache"; then ".stache". If Unsafe is set, partial
// names are allowed to begin with '.' or '..' after cleaning, meaning they
// can potentially refer to files outside any of the listed directory paths.
type FileProvider struct {
	Paths      []string
	Extensions []string
	Unsafe     bool
}

var _ PartialProvider = (*FileProvider)(nil)

// Get accepts the name of a partial and returns its source.
func (fp *FileProvider) Get(name string) (string, bool, error) {
	cleanname := name
	if !fp.Unsafe {
		cleanname = path.Clean(name)
		if strings.HasPrefix(cleanname, ".") {
			return "", false, fmt.Errorf("unsafe partial name passed to FileProvider: %s", name)
		}
	}

	paths := fp.Paths
	if paths == nil {
		paths = []string{""}
	}
	exts := fp.Extensions
	if exts == nil {
		exts = []string{"", ".mustache", ".stache"}
	}

	for _, p := range paths {
		for _, e := range exts {
			data, err := os.ReadFile(path.Join(p, cleanname+e))
			if err == nil {
				return string(data), true, nil
			}
			if !os.IsNotExist(err) {
				return "", false, err
			}
		}
	}
	return "", false, nil
}

// StaticProvider implements PartialProvider by providing partials drawn
// from a map, which maps partial name to template contents.
type StaticProvider struct {
	Partials map[string]string
}

var _ PartialProvider = (*StaticProvider)(nil)

// Get accepts the name of a partial and returns its source.
func (sp *StaticProvider) Get(name string) (string, bool, error) {
	if sp.Partials == nil {
		return "", false, nil
	}
	data, ok := sp.Partials[name]
	return data, ok, nil
}

// ChainProvider tries each PartialProvider in order, returning the first
// match. Useful for layering a FileProvider of shared partials under a
// StaticProvider of request-specific overrides.
type ChainProvider struct {
	Providers []PartialProvider
}

var _ PartialProvider = (*ChainProvider)(nil)

func (cp *ChainProvider) Get(name string) (string, bool, error) {
	for _, p := range cp.Providers {
		source, found, err := p.Get(name)
		if err != nil {
			return "", false, err
		}
		if found {
			return source, true, nil
		}
	}
	return "", false, nil
}
