package domain

import (
	"strings"
	"time"
)

// Platform identifies an external judge.
type Platform string

const (
	PlatformCodeforces Platform = "codeforces"
	PlatformAtCoder    Platform = "atcoder"
	PlatformLeetCode   Platform = "leetcode"

	// PlatformAny is accepted by the selector only.
	PlatformAny Platform = ""
)

// Platforms lists supported judges in display order.
var Platforms = []Platform{PlatformCodeforces, PlatformAtCoder, PlatformLeetCode}

// ParsePlatform accepts full names and the short aliases used in chat commands.
func ParsePlatform(s string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "codeforces", "cf":
		return PlatformCodeforces, true
	case "atcoder", "ac", "at":
		return PlatformAtCoder, true
	case "leetcode", "lc":
		return PlatformLeetCode, true
	default:
		return "", false
	}
}

// Short returns the two-letter alias.
func (p Platform) Short() string {
	switch p {
	case PlatformCodeforces:
		return "cf"
	case PlatformAtCoder:
		return "ac"
	case PlatformLeetCode:
		return "lc"
	default:
		return "any"
	}
}

// ProblemRef points into the problem cache.
type ProblemRef struct {
	Platform   Platform `json:"platform"`
	ExternalID string   `json:"external_id"`
}

func (r ProblemRef) String() string {
	if r.ExternalID == "" {
		return ""
	}
	return string(r.Platform) + ":" + r.ExternalID
}

func (r ProblemRef) IsZero() bool { return r.ExternalID == "" }

// ParseProblemRef is the inverse of ProblemRef.String.
func ParseProblemRef(s string) (ProblemRef, bool) {
	plat, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || id == "" {
		return ProblemRef{}, false
	}
	p, ok := ParsePlatform(plat)
	if !ok {
		return ProblemRef{}, false
	}
	return ProblemRef{Platform: p, ExternalID: id}, true
}

// Problem is an immutable cached problem. Rating 0 means unrated.
type Problem struct {
	Ref       ProblemRef `json:"ref"`
	Name      string     `json:"name"`
	Rating    int        `json:"rating"`
	Tags      []string   `json:"tags,omitempty"`
	URL       string     `json:"url"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// HasTag reports whether the problem carries the (already normalized) tag.
func (p *Problem) HasTag(tag string) bool {
	if p == nil || tag == "" {
		return false
	}
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ProblemSet is a set of refs keyed by their string form.
type ProblemSet map[string]struct{}

func NewProblemSet(refs ...ProblemRef) ProblemSet {
	s := make(ProblemSet, len(refs))
	for _, r := range refs {
		s.Add(r)
	}
	return s
}

func (s ProblemSet) Add(r ProblemRef) {
	if r.IsZero() {
		return
	}
	s[r.String()] = struct{}{}
}

func (s ProblemSet) Has(r ProblemRef) bool {
	_, ok := s[r.String()]
	return ok
}

// Union returns a new set holding both.
func (s ProblemSet) Union(o ProblemSet) ProblemSet {
	out := make(ProblemSet, len(s)+len(o))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range o {
		out[k] = struct{}{}
	}
	return out
}
