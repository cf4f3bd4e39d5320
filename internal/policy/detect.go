package policy

import (
	"os"
	"path/filepath"
)

// DefaultWorkspaceMarkers are the files and directories that mark the root
// of a workspace.
func DefaultWorkspaceMarkers() []string {
	return []string{
		".git",
		".hg",
		".autoapprove.yaml",
		".autoapprove.json",
	}
}

// DetectWorkspaceRoot walks up from dir to the nearest directory holding
// one of markers. When none is found the resolved dir itself is the root.
func DetectWorkspaceRoot(dir string, markers []string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	// Resolve symlinks so that containment checks compare real paths.
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}

	for cur := abs; ; {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur, nil
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		cur = parent
	}
}
