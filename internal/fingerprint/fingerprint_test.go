package fingerprint

import (
	"testing"

	"github.com/contestproctor/engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_RoundTrip(t *testing.T) {
	s := "function sum(a,b){ // add\n return a+b; }"
	n1 := Normalize(s)
	n2 := Normalize(n1)
	assert.Equal(t, n1, n2)
}

func TestIdentity_SameTextSimilarityIsOne(t *testing.T) {
	s := "function sum(a,b){ return a+b; }"
	fp := FingerprintText(s)
	assert.Equal(t, 1.0, Similarity(fp, fp))
}

func TestWinnowingIdentityAndNearDuplication(t *testing.T) {
	a := FingerprintText("function sum(a,b){ return a+b; }")
	b := FingerprintText("function sum(a,b){ return a+b; }")
	require.Equal(t, 1.0, Similarity(a, b))

	c := FingerprintText("function sum ( a , b ) { return a + b ; }")
	assert.Equal(t, 1.0, Similarity(a, c), "normalisation should collapse spacing differences")
}

func TestCommutativity(t *testing.T) {
	a := FingerprintText("alpha beta gamma delta epsilon zeta eta theta")
	b := FingerprintText("completely different text with no shared tokens whatsoever at all")
	assert.Equal(t, Similarity(a, b), Similarity(b, a))
}

func TestSimilarity_BothEmptyIsOne(t *testing.T) {
	a := FingerprintText("")
	b := FingerprintText("")
	assert.Equal(t, 1.0, Similarity(a, b))
}

func TestSimilarity_ShortTextHashesWhole(t *testing.T) {
	// shorter than k=25: exercised via the default Config path.
	fp := FingerprintText("short")
	assert.Len(t, fp.Set, 1)
}

func TestCrossRepoScan_SkipsOversizedAndExcludedPaths(t *testing.T) {
	big := make([]byte, MaxFileBytes+1)
	repos := map[string][]model.RepoFile{
		"repoA": {
			{Path: "index.js", Content: "console.log(1);"},
			{Path: "vendor/lib.js", Content: "console.log(1);"},
			{Path: "big.js", Content: string(big)},
		},
		"repoB": {
			{Path: "index.js", Content: "console.log(1);"},
		},
	}
	matches := CrossRepoScan(repos, 0.8, Config{})
	require.Len(t, matches, 1)
	assert.Equal(t, "index.js", matches[0].PathA)
	assert.Equal(t, "index.js", matches[0].PathB)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestCrossRepoScan_ExtensionMustMatch(t *testing.T) {
	repos := map[string][]model.RepoFile{
		"repoA": {{Path: "a.js", Content: "same content here"}},
		"repoB": {{Path: "a.py", Content: "same content here"}},
	}
	matches := CrossRepoScan(repos, 0.8, Config{})
	assert.Empty(t, matches)
}

func TestCrossRepoScan_SortedBySimilarityDescending(t *testing.T) {
	repos := map[string][]model.RepoFile{
		"repoA": {{Path: "a.js", Content: "alpha beta gamma delta epsilon zeta"}},
		"repoB": {{Path: "b.js", Content: "alpha beta gamma delta epsilon zeta"}},
		"repoC": {{Path: "c.js", Content: "alpha beta gamma delta epsilon zetaX"}},
	}
	matches := CrossRepoScan(repos, 0.1, Config{})
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Similarity, matches[i].Similarity)
	}
}
