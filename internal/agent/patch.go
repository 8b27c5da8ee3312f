package agent

import (
	"strings"
)

// Patch operation markers in the agent's edit-tool input.
const (
	patchAdd    = "*** Add File: "
	patchUpdate = "*** Update File: "
	patchDelete = "*** Delete File: "
	patchMove   = "*** Move File: "
)

// PatchFiles extracts the file paths touched by a patch. Move operations
// contribute both sides so the loop detector sees churn on either name.
func PatchFiles(patchText string) []string {
	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path != "" && !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, patchAdd):
			add(line[len(patchAdd):])
		case strings.HasPrefix(line, patchUpdate):
			add(line[len(patchUpdate):])
		case strings.HasPrefix(line, patchDelete):
			add(line[len(patchDelete):])
		case strings.HasPrefix(line, patchMove):
			rest := line[len(patchMove):]
			if from, to, found := strings.Cut(rest, "->"); found {
				add(from)
				add(to)
			} else {
				add(rest)
			}
		}
	}
	return files
}

// IsEditTool reports whether the tool applies patches.
func IsEditTool(name string) bool {
	return name == "apply_patch"
}
