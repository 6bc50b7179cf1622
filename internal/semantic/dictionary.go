package semantic

import (
	"sort"
	"strings"
)

// ValueDictionary maps a canonical term to its ordered synonyms. The
// canonical name is always the first entry.
type ValueDictionary map[string][]string

// TermKind says whether a phrase names a metric or a dimension.
type TermKind string

const (
	KindMetric    TermKind = "metric"
	KindDimension TermKind = "dimension"
	KindValue     TermKind = "value"
)

// Phrase is one normalized surface form the resolver can recognise.
type Phrase struct {
	Text      string
	Words     int
	Canonical string
	Kind      TermKind
}

func buildDictionary(metrics []Metric, dims []Dimension) ValueDictionary {
	dict := make(ValueDictionary, len(metrics)+len(dims))
	add := func(canonical string, synonyms []string) {
		seen := map[string]bool{}
		list := make([]string, 0, len(synonyms)+1)
		for _, s := range append([]string{canonical}, synonyms...) {
			n := Normalize(s)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			list = append(list, n)
		}
		dict[canonical] = list
	}
	for _, m := range metrics {
		add(m.Name, m.Synonyms)
	}
	for _, d := range dims {
		add(d.Name, d.Synonyms)
	}
	return dict
}

// Phrases returns every synonym and known dimension value, longest first, so
// callers can match greedily.
func (m *Model) Phrases() []Phrase {
	var out []Phrase
	for _, metric := range m.Metrics {
		for _, s := range m.dictionary[metric.Name] {
			out = append(out, Phrase{Text: s, Words: wordCount(s), Canonical: metric.Name, Kind: KindMetric})
		}
	}
	for _, d := range m.Dimensions {
		for _, s := range m.dictionary[d.Name] {
			out = append(out, Phrase{Text: s, Words: wordCount(s), Canonical: d.Name, Kind: KindDimension})
		}
		for _, v := range d.Values {
			n := Normalize(v)
			out = append(out, Phrase{Text: n, Words: wordCount(n), Canonical: d.Name, Kind: KindValue})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Words != out[j].Words {
			return out[i].Words > out[j].Words
		}
		return len(out[i].Text) > len(out[j].Text)
	})
	return out
}

// Normalize lowercases a term and folds underscores, hyphens and repeated
// whitespace into single spaces.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
