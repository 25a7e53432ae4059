package problem

import "strings"

var topicAliases = map[string]string{
	"dp":                      "dp",
	"dynamic programming":     "dp",
	"graph":                   "graphs",
	"graphs":                  "graphs",
	"bfs":                     "graphs",
	"dfs":                     "graphs",
	"dfs and similar":         "graphs",
	"tree":                    "trees",
	"trees":                   "trees",
	"bs":                      "binary search",
	"binary search":           "binary search",
	"greedy":                  "greedy",
	"math":                    "math",
	"implementation":          "implementation",
	"strings":                 "strings",
	"string":                  "strings",
	"number theory":           "number theory",
	"nt":                      "number theory",
	"sortings":                "sortings",
	"sorting":                 "sortings",
	"brute force":             "brute force",
	"bruteforce":              "brute force",
	"constructive":            "constructive algorithms",
	"constructive algorithms": "constructive algorithms",
	"two pointers":            "two pointers",
	"dsu":                     "dsu",
	"union find":              "dsu",
	"geometry":                "geometry",
	"bitmasks":                "bitmasks",
	"bit manipulation":        "bitmasks",
	"combinatorics":           "combinatorics",
	"shortest paths":          "shortest paths",
	"data structures":         "data structures",
}

// NormalizeTopic folds chat shorthand and judge tag spellings onto one name.
// Unknown topics are returned lower-cased with hyphens and runs of spaces collapsed.
func NormalizeTopic(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.ReplaceAll(t, "-", " ")
	t = strings.ReplaceAll(t, "_", " ")
	t = strings.Join(strings.Fields(t), " ")
	if alias, ok := topicAliases[t]; ok {
		return alias
	}
	return t
}

// matchesTopic compares a normalized topic against raw judge tags.
func matchesTopic(tags []string, topic string) bool {
	for _, tag := range tags {
		if NormalizeTopic(tag) == topic {
			return true
		}
	}
	return false
}
