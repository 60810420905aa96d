package fingerprint

import (
	"sort"
	"strings"

	"github.com/contestproctor/engine/internal/model"
)

const MaxFileBytes = 100_000

var skipSubstrings = []string{"node_modules/", "package-lock.json", ".min.", "vendor/", "dist/"}

func eligible(path string, content string) bool {
	if len(content) > MaxFileBytes {
		return false
	}
	for _, s := range skipSubstrings {
		if strings.Contains(path, s) {
			return false
		}
	}
	return true
}

func extensionOf(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || idx == len(path)-1 {
		return ""
	}
	return strings.ToLower(path[idx+1:])
}

// Match is one cross-repository file pair whose similarity is ≥ threshold.
type Match struct {
	RepoA      string
	RepoB      string
	PathA      string
	PathB      string
	Similarity float64
}

// CrossRepoScan fingerprints every eligible file in every repo once, then
// emits all cross-repository pairs (distinct repos) with matching
// extensions and similarity ≥ threshold, sorted by similarity descending
// then by (repoA, repoB, pathA, pathB) as a stable tiebreak (§4.1).
func CrossRepoScan(repos map[string][]model.RepoFile, threshold float64, cfg Config) []Match {
	type entry struct {
		path string
		fp   Fingerprint
		ext  string
	}

	byRepo := make(map[string][]entry)
	repoNames := make([]string, 0, len(repos))
	for name, files := range repos {
		repoNames = append(repoNames, name)
		entries := make([]entry, 0, len(files))
		for _, f := range files {
			if !eligible(f.Path, f.Content) {
				continue
			}
			entries = append(entries, entry{
				path: f.Path,
				fp:   cfg.Fingerprint(f.Content),
				ext:  extensionOf(f.Path),
			})
		}
		byRepo[name] = entries
	}
	sort.Strings(repoNames)

	var matches []Match
	for i := 0; i < len(repoNames); i++ {
		for j := i + 1; j < len(repoNames); j++ {
			repoA, repoB := repoNames[i], repoNames[j]
			for _, ea := range byRepo[repoA] {
				for _, eb := range byRepo[repoB] {
					if ea.ext != eb.ext {
						continue
					}
					sim := Similarity(ea.fp, eb.fp)
					if sim >= threshold {
						matches = append(matches, Match{
							RepoA:      repoA,
							RepoB:      repoB,
							PathA:      ea.path,
							PathB:      eb.path,
							Similarity: sim,
						})
					}
				}
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].RepoA != matches[j].RepoA {
			return matches[i].RepoA < matches[j].RepoA
		}
		if matches[i].RepoB != matches[j].RepoB {
			return matches[i].RepoB < matches[j].RepoB
		}
		if matches[i].PathA != matches[j].PathA {
			return matches[i].PathA < matches[j].PathA
		}
		return matches[i].PathB < matches[j].PathB
	})

	return matches
}
