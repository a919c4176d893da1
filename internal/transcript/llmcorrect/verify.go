package llmcorrect

import "strings"

// indexPair maps a token index in the original sequence to the corresponding
// index in the corrected sequence.
type indexPair struct {
	origIdx int
	corrIdx int
}

// tokenLCS computes the longest common subsequence of two token slices and
// returns anchor pairs (indices into a and b) of common tokens in order.
// Standard O(m*n) DP; token counts are small, one spoken utterance.
func tokenLCS(a, b []string) []indexPair {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else if dp[i-1][j] >= dp[i][j-1] {
				dp[i][j] = dp[i-1][j]
			} else {
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	lcsLen := dp[m][n]
	if lcsLen == 0 {
		return nil
	}

	anchors := make([]indexPair, lcsLen)
	i, j, k := m, n, lcsLen-1
	for i > 0 && j > 0 {
		if a[i-1] == b[j-1] {
			anchors[k] = indexPair{origIdx: i - 1, corrIdx: j - 1}
			i--
			j--
			k--
		} else if dp[i-1][j] >= dp[i][j-1] {
			i--
		} else {
			j--
		}
	}
	return anchors
}

// normalizeForLookup lowercases s and strips common trailing punctuation so
// that token spans like "Grafana." match corrections declared as "Grafana".
func normalizeForLookup(s string) string {
	return strings.ToLower(strings.TrimRight(s, ".,;:!?\"')"))
}

// applyVerified cross-references the token-level changes between original and
// corrected against the corrections the model declared. Each change span is
// kept only when it corresponds to a declared correction; undeclared edits
// are reverted to the original tokens. Returns the verified text and the
// confirmed corrections.
func applyVerified(original, corrected string, corrections []Correction) (string, []Correction) {
	if original == corrected {
		return original, corrections
	}

	origTokens := strings.Fields(original)
	corrTokens := strings.Fields(corrected)
	anchors := tokenLCS(origTokens, corrTokens)

	type corrKey struct{ orig, corr string }
	lookup := make(map[corrKey]Correction, len(corrections))
	for _, c := range corrections {
		lookup[corrKey{normalizeForLookup(c.Original), normalizeForLookup(c.Corrected)}] = c
	}

	var result []string
	var verified []Correction

	// resolveGap emits either the corrected or the reverted tokens for one
	// differing region between anchors.
	resolveGap := func(orig, corr []string) {
		if len(orig) == 0 && len(corr) == 0 {
			return
		}
		key := corrKey{
			normalizeForLookup(strings.Join(orig, " ")),
			normalizeForLookup(strings.Join(corr, " ")),
		}
		if c, ok := lookup[key]; ok {
			result = append(result, corr...)
			verified = append(verified, c)
			return
		}
		result = append(result, orig...)
	}

	oi, ci := 0, 0
	for _, a := range anchors {
		resolveGap(origTokens[oi:a.origIdx], corrTokens[ci:a.corrIdx])
		result = append(result, origTokens[a.origIdx])
		oi = a.origIdx + 1
		ci = a.corrIdx + 1
	}
	resolveGap(origTokens[oi:], corrTokens[ci:])

	return strings.Join(result, " "), verified
}
