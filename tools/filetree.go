package tools

import (
	"io/fs"
	"sort"
	"strings"
)

// RenderFileTree renders an indented directory listing rooted at the given
// filesystem, suitable for embedding into a tool description. Hidden entries
// (dot-prefixed) are skipped. Rendering stops once maxEntries lines have been
// emitted; maxEntries <= 0 means unlimited.
func RenderFileTree(fsys fs.FS, maxEntries int) (string, error) {
	var b strings.Builder
	count := 0
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		entries, err := fs.ReadDir(fsys, dir)
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") {
				continue
			}
			if maxEntries > 0 && count >= maxEntries {
				return nil
			}
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(name)
			if e.IsDir() {
				b.WriteString("/")
			}
			b.WriteString("\n")
			count++
			if e.IsDir() {
				sub := name
				if dir != "." {
					sub = dir + "/" + name
				}
				if err := walk(sub, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(".", 0); err != nil {
		return "", err
	}
	return b.String(), nil
}
