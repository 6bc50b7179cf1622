package resolver

import (
	"regexp"
	"sort"
	"strings"

	"github.com/seanankenbruck/semantic-analytics/internal/semantic"
)

var (
	explicitFilter = regexp.MustCompile(`(?i)\b([a-z][a-z0-9_]*)\s*(!=|=)\s*(?:'([^']*)'|"([^"]*)"|([a-z0-9_.\-]+))`)
	nonWord        = regexp.MustCompile(`[^a-z0-9_\s-]+`)
)

// Words that never become metric or dimension slots on their own.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true, "to": true,
	"in": true, "on": true, "at": true, "for": true, "from": true, "with": true, "by": true,
	"per": true, "me": true, "my": true, "our": true, "all": true, "total": true, "where": true,
	"is": true, "are": true, "was": true, "were": true, "did": true, "do": true, "does": true,
	"has": true, "have": true, "what": true, "why": true, "how": true, "much": true, "many": true,
	"show": true, "display": true, "list": true, "get": true, "give": true, "find": true,
	"compare": true, "vs": true, "versus": true, "between": true, "over": true, "during": true,
	"drop": true, "dropped": true, "increase": true, "increased": true, "decrease": true,
	"decreased": true, "change": true, "changed": true, "fell": true, "decline": true,
	"declined": true, "caused": true, "cause": true, "than": true, "it": true, "so": true,
}

var fillers = map[string]bool{"the": true, "total": true, "our": true, "my": true, "all": true}

var metricTriggers = [][]string{
	{"show"}, {"show", "me"}, {"display"}, {"list"}, {"get"}, {"give", "me"}, {"find"},
	{"compare"}, {"how", "many"}, {"how", "much"},
	{"what", "is"}, {"what", "are"}, {"what", "was"}, {"what", "were"},
	{"why", "did"}, {"why", "does"}, {"why", "do"}, {"why", "is"}, {"why", "are"},
	{"why", "was"}, {"why", "were"}, {"why", "has"}, {"why", "have"},
}

var dimensionTriggers = [][]string{{"by"}, {"per"}, {"across"}}

// filterStop ends a free-form value after "is".
var filterStop = map[string]bool{
	"and": true, "by": true, "in": true, "for": true, "during": true, "with": true, "where": true,
}

type extraction struct {
	metrics    []string
	dimensions []string
	filters    []semantic.Filter
}

// extractExplicitFilters pulls `dim = value` clauses out of text. Quoted
// values keep their case.
func extractExplicitFilters(text string) ([]semantic.Filter, string) {
	var filters []semantic.Filter
	for _, m := range explicitFilter.FindAllStringSubmatch(text, -1) {
		value := m[3]
		switch {
		case m[4] != "":
			value = m[4]
		case m[5] != "":
			value = m[5]
		}
		filters = append(filters, semantic.Filter{
			Term:  semantic.Normalize(m[1]),
			Op:    m[2],
			Value: value,
		})
	}
	return filters, explicitFilter.ReplaceAllString(text, " ")
}

type phraseIndex struct {
	byText   map[string]semantic.Phrase
	maxWords int
}

func newPhraseIndex(model *semantic.Model) phraseIndex {
	idx := phraseIndex{byText: map[string]semantic.Phrase{}}
	for _, p := range model.Phrases() {
		if _, ok := idx.byText[p.Text]; ok {
			continue
		}
		idx.byText[p.Text] = p
		if p.Words > idx.maxWords {
			idx.maxWords = p.Words
		}
	}
	return idx
}

// longest returns the longest phrase starting at tokens[i].
func (idx phraseIndex) longest(tokens []string, i int) (semantic.Phrase, int, bool) {
	for n := idx.maxWords; n > 0; n-- {
		if i+n > len(tokens) {
			continue
		}
		if p, ok := idx.byText[strings.Join(tokens[i:i+n], " ")]; ok {
			return p, n, true
		}
	}
	return semantic.Phrase{}, 0, false
}

type term struct {
	pos  int
	text string
}

// extractEntities matches model phrases greedily, longest first, then fills
// metric and dimension slots with unknown words in positions such as
// "show me X" or "by Y" so the grounder can fuzzy match them.
func extractEntities(text string, model *semantic.Model) extraction {
	tokens := tokenize(text)
	idx := newPhraseIndex(model)
	consumed := make([]bool, len(tokens))

	var metrics, dims []term
	var filters []semantic.Filter

	for i := 0; i < len(tokens); {
		p, n, ok := idx.longest(tokens, i)
		if !ok {
			i++
			continue
		}
		for k := i; k < i+n; k++ {
			consumed[k] = true
		}

		switch p.Kind {
		case semantic.KindMetric:
			metrics = append(metrics, term{pos: i, text: p.Text})
		case semantic.KindValue:
			filters = append(filters, semantic.Filter{Term: p.Canonical, Op: "=", Value: declaredValue(model, p)})
		case semantic.KindDimension:
			if f, used, ok := isFilter(tokens, i+n, p, idx, model); ok {
				filters = append(filters, f)
				for k := i + n; k < i+n+used; k++ {
					consumed[k] = true
				}
				i += n + used
				continue
			}
			dims = append(dims, term{pos: i, text: p.Text})
		}
		i += n
	}

	for j, tok := range tokens {
		if consumed[j] || stopwords[tok] || isNumber(tok) {
			continue
		}
		switch {
		case follows(tokens, j, metricTriggers):
			metrics = append(metrics, term{pos: j, text: tok})
		case follows(tokens, j, dimensionTriggers):
			dims = append(dims, term{pos: j, text: tok})
		}
	}

	return extraction{
		metrics:    ordered(metrics),
		dimensions: ordered(dims),
		filters:    filters,
	}
}

// isFilter recognises "<dimension> is <value>" starting after the dimension
// phrase. It returns the number of value tokens used.
func isFilter(tokens []string, at int, dim semantic.Phrase, idx phraseIndex, model *semantic.Model) (semantic.Filter, int, bool) {
	if at+1 >= len(tokens) || tokens[at] != "is" {
		return semantic.Filter{}, 0, false
	}
	if p, n, ok := idx.longest(tokens, at+1); ok && p.Kind == semantic.KindValue && p.Canonical == dim.Canonical {
		return semantic.Filter{Term: dim.Text, Op: "=", Value: declaredValue(model, p)}, n + 1, true
	}
	value := tokens[at+1]
	if filterStop[value] || stopwords[value] {
		return semantic.Filter{}, 0, false
	}
	return semantic.Filter{Term: dim.Text, Op: "=", Value: value}, 2, true
}

// declaredValue returns the value as written in the model so the compiled
// literal matches the stored data.
func declaredValue(model *semantic.Model, p semantic.Phrase) string {
	if d, ok := model.Dimension(p.Canonical); ok {
		for _, v := range d.Values {
			if semantic.Normalize(v) == p.Text {
				return v
			}
		}
	}
	return p.Text
}

func follows(tokens []string, j int, triggers [][]string) bool {
	k := j - 1
	for k >= 0 && fillers[tokens[k]] {
		k--
	}
	for _, trig := range triggers {
		start := k - len(trig) + 1
		if start < 0 {
			continue
		}
		match := true
		for t := range trig {
			if tokens[start+t] != trig[t] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	text = nonWord.ReplaceAllString(strings.ToLower(text), " ")
	return strings.Fields(semantic.Normalize(text))
}

func isNumber(tok string) bool {
	for _, r := range tok {
		if r < '0' || r > '9' {
			return false
		}
	}
	return tok != ""
}

func ordered(terms []term) []string {
	sort.SliceStable(terms, func(i, j int) bool { return terms[i].pos < terms[j].pos })
	seen := map[string]bool{}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if seen[t.text] {
			continue
		}
		seen[t.text] = true
		out = append(out, t.text)
	}
	return out
}
