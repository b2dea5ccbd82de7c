// Package policy evaluates candidate diffs against the configured diff
// policy. Evaluation is a pure function of the diff text and the policy; all
// checks run independently so every violation is reported in one pass.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/warden/internal/models"
)

// Evaluate returns every policy violation found in diff. An empty diff is the
// caller's no-op path and is never evaluated here.
func Evaluate(diff string, cfg models.PolicyConfig) []models.Violation {
	var violations []models.Violation

	if cfg.MaxDiffBytes > 0 && len(diff) > cfg.MaxDiffBytes {
		violations = append(violations, models.Violation{
			Rule:    models.RuleMaxDiffBytes,
			Message: fmt.Sprintf("diff is %d bytes, limit is %d", len(diff), cfg.MaxDiffBytes),
		})
	}

	files := ChangedFiles(diff)

	if cfg.MaxChangedFiles > 0 && len(files) > cfg.MaxChangedFiles {
		violations = append(violations, models.Violation{
			Rule:    models.RuleMaxChangedFiles,
			Message: fmt.Sprintf("%d files changed, limit is %d", len(files), cfg.MaxChangedFiles),
			Paths:   files,
		})
	}

	var blocked []string
	for _, f := range files {
		for _, prefix := range cfg.BlockedPathPrefixes {
			if strings.HasPrefix(f, prefix) {
				blocked = append(blocked, f)
				break
			}
		}
	}
	if len(blocked) > 0 {
		violations = append(violations, models.Violation{
			Rule:    models.RuleBlockedPath,
			Message: fmt.Sprintf("diff touches %d blocked path(s)", len(blocked)),
			Paths:   blocked,
		})
	}

	if cfg.DisallowBinaryPatch {
		if binFiles, found := binaryMarkers(diff); found {
			violations = append(violations, models.Violation{
				Rule:    models.RuleBinaryPatch,
				Message: "diff contains binary patch content",
				Paths:   binFiles,
			})
		}
	}

	return violations
}

// ChangedFiles extracts the distinct set of changed file paths from a diff,
// accepting both git-style ("diff --git a/x b/x") and POSIX unified-diff
// ("diff -ruN old/x new/x", "+++ new/x") headers. Paths are normalized
// relative to the working root so the same logical file is recognized
// regardless of which tool produced the diff.
func ChangedFiles(diff string) []string {
	seen := map[string]bool{}
	var files []string
	add := func(p string) {
		p = normalizePath(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		files = append(files, p)
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			// diff --git a/path b/path: take the b-side.
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				add(fields[3])
			}
		case strings.HasPrefix(line, "+++ "):
			target := strings.TrimPrefix(line, "+++ ")
			// Strip a trailing tab-separated timestamp from POSIX diffs.
			if i := strings.IndexByte(target, '\t'); i >= 0 {
				target = target[:i]
			}
			if target == "/dev/null" {
				continue
			}
			add(target)
		case strings.HasPrefix(line, "--- "):
			// Only needed for deletions, where +++ is /dev/null.
			source := strings.TrimPrefix(line, "--- ")
			if i := strings.IndexByte(source, '\t'); i >= 0 {
				source = source[:i]
			}
			if source == "/dev/null" {
				continue
			}
			add(source)
		}
	}

	sort.Strings(files)
	return files
}

// normalizePath strips diff tool prefixes ("a/", "b/") and temporary
// workspace prefixes so the path is relative to the repository root.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	// POSIX diffs carry the compared directory roots, typically temp dirs
	// like /tmp/warden-123/snapshot/x. Cut everything up to and including a
	// known workspace component.
	for _, marker := range []string{"/snapshot/", "/candidate/"} {
		if i := strings.Index(p, marker); i >= 0 {
			return p[i+len(marker):]
		}
	}
	for _, prefix := range []string{"snapshot/", "candidate/"} {
		if strings.HasPrefix(p, prefix) {
			return p[len(prefix):]
		}
	}
	// Absolute paths from unrecognized roots: keep the path after the last
	// temp-looking component rather than the raw absolute path.
	if strings.HasPrefix(p, "/") {
		if i := strings.LastIndex(p, "/tmp/"); i >= 0 {
			rest := p[i+len("/tmp/"):]
			if j := strings.IndexByte(rest, '/'); j >= 0 {
				return rest[j+1:]
			}
		}
	}
	return p
}

// binaryMarkers reports whether the diff contains binary patch content and
// returns the offending filenames where the format names them unambiguously.
func binaryMarkers(diff string) ([]string, bool) {
	found := false
	seen := map[string]bool{}
	var files []string

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "Binary files ") && strings.HasSuffix(line, " differ"):
			found = true
			// "Binary files a/x and b/x differ"
			body := strings.TrimSuffix(strings.TrimPrefix(line, "Binary files "), " differ")
			parts := strings.Split(body, " and ")
			if len(parts) == 2 {
				p := normalizePath(parts[1])
				if p == "" {
					p = normalizePath(parts[0])
				}
				if p != "" && !seen[p] {
					seen[p] = true
					files = append(files, p)
				}
			}
		case strings.HasPrefix(line, "GIT binary patch"):
			// Filename lives in the preceding diff --git header, which the
			// changed-file scan already captured; the marker alone flags it.
			found = true
		}
	}

	sort.Strings(files)
	return files, found
}
