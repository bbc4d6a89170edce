package dispatch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fschiettecatte/mps-sub005/index"
)

// Options is the per-request override set extracted from search-text
// modifiers (spec.md §6 "Search-text modifiers"). Only applied when the
// gateway's generation has allow-search-overrides enabled.
type Options struct {
	SortSet   bool
	SortNone  bool
	SortField string
	SortOrder index.Order

	EarlyCompletionDisabled bool

	ConnectionTimeoutMS  int
	HasConnectionTimeout bool
	SearchTimeoutMS      int
	HasSearchTimeout     bool
	RetrievalTimeoutMS   int
	HasRetrievalTimeout  bool
	InformationTimeoutMS int
	HasInformationTimeout bool

	MirrorAffinity    int
	HasMirrorAffinity bool

	MaxSegmentsSearched    int
	HasMaxSegmentsSearched bool
	MinSegmentsSearched    int
	HasMinSegmentsSearched bool
}

var modifierPattern = regexp.MustCompile(`\{[^{}]*\}`)

var sortFieldAliases = map[string]string{
	"r": "relevance", "relevance": "relevance",
	"rk": "rank", "rank": "rank",
	"d": "date", "date": "date",
}

// ParseSearchText strips every recognized modifier from text and returns
// the cleaned search string plus the options it carried (spec.md §6).
// Unrecognized "{...}" tokens are left untouched, on the assumption they
// are legitimate search-text syntax rather than gateway modifiers.
func ParseSearchText(text string) (string, Options) {
	var opts Options
	clean := modifierPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if applyModifier(tok, &opts) {
			return ""
		}
		return tok
	})
	return clean, opts
}

func applyModifier(tok string, opts *Options) bool {
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, "{"), "}")
	parts := strings.SplitN(inner, ":", 3)
	key := strings.ToLower(strings.TrimSpace(parts[0]))

	switch key {
	case "sort", "s":
		return applySort(parts, opts)
	case "gtwy_early_completion", "gec":
		if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[1]), "disable") {
			opts.EarlyCompletionDisabled = true
			return true
		}
	case "gtwy_connection_timeout", "gct":
		return setIntOpt(parts, &opts.ConnectionTimeoutMS, &opts.HasConnectionTimeout)
	case "gtwy_search_timeout", "gst":
		return setIntOpt(parts, &opts.SearchTimeoutMS, &opts.HasSearchTimeout)
	case "gtwy_retrieval_timeout", "grt":
		return setIntOpt(parts, &opts.RetrievalTimeoutMS, &opts.HasRetrievalTimeout)
	case "gtwy_information_timeout", "git":
		return setIntOpt(parts, &opts.InformationTimeoutMS, &opts.HasInformationTimeout)
	case "gtwy_mirror_affinity", "gma":
		return setIntOpt(parts, &opts.MirrorAffinity, &opts.HasMirrorAffinity)
	case "gtwy_segments_searched_maximum", "gssmx":
		return setIntOpt(parts, &opts.MaxSegmentsSearched, &opts.HasMaxSegmentsSearched)
	case "gtwy_segments_searched_minimum", "gssmn":
		return setIntOpt(parts, &opts.MinSegmentsSearched, &opts.HasMinSegmentsSearched)
	}
	return false
}

func applySort(parts []string, opts *Options) bool {
	if len(parts) == 2 && strings.EqualFold(strings.TrimSpace(parts[1]), "none") {
		opts.SortSet = true
		opts.SortNone = true
		return true
	}
	if len(parts) != 3 {
		return false
	}
	field := strings.TrimSpace(parts[1])
	if canon, ok := sortFieldAliases[strings.ToLower(field)]; ok {
		field = canon
	}
	var order index.Order
	switch strings.ToLower(strings.TrimSpace(parts[2])) {
	case "asc", "a":
		order = index.Asc
	case "desc", "d":
		order = index.Desc
	default:
		return false
	}
	opts.SortSet = true
	opts.SortField = field
	opts.SortOrder = order
	return true
}

func setIntOpt(parts []string, dst *int, has *bool) bool {
	if len(parts) != 2 {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return false
	}
	*dst = n
	*has = true
	return true
}
