package pathcodec

import (
	"fmt"
	"path/filepath"
)

// maxResolveDepth bounds the walk towards an existing ancestor.
const maxResolveDepth = 255

// ResolveWithin evaluates symlinks in abs and checks that the real path still
// lies within the real root. Components of abs that do not exist yet are kept
// as-is on top of the deepest existing ancestor, so paths about to be created
// can be checked too.
func ResolveWithin(rootFolder, abs string) (string, error) {
	root, err := cleanRoot(rootFolder)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}

	realPath, err := evalExisting(filepath.Clean(abs))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", abs, err)
	}
	if _, ok := within(realRoot, realPath); !ok {
		return "", fmt.Errorf("resolve %q: %w", abs, ErrInvalidPathToken)
	}
	return realPath, nil
}

func evalExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	var trail []string
	current := path
	for i := 0; i < maxResolveDepth; i++ {
		dir := filepath.Dir(current)
		if dir == current {
			break
		}
		trail = append(trail, filepath.Base(current))
		if resolved, err = filepath.EvalSymlinks(dir); err == nil {
			for j := len(trail) - 1; j >= 0; j-- {
				resolved = filepath.Join(resolved, trail[j])
			}
			return resolved, nil
		}
		current = dir
	}
	return "", fmt.Errorf("no resolvable ancestor: %w", ErrInvalidPathToken)
}
