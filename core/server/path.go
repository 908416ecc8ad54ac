package server

import (
	"path/filepath"
	"strings"
)

// resolvePath maps an absolute request path onto the root directory by
// concatenation. It fails when the result is longer than MaxPathLength or
// cleans to somewhere outside the root.
func (s *Server) resolvePath(absPath string) (string, bool) {
	full := s.root + filepath.FromSlash(absPath)
	if len(full) > s.cfg.MaxPathLength {
		return "", false
	}

	cleaned := filepath.Clean(full)
	if cleaned == s.root {
		return cleaned, true
	}

	prefix := s.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if !strings.HasPrefix(cleaned, prefix) {
		return "", false
	}
	return cleaned, true
}
