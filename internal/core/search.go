package core

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"fieldtrials/pkg/domain"
)

// DefaultSearchLimit caps results when a query sets no limit.
const DefaultSearchLimit = 25

// Query selects entities whose names or descriptions contain the query tokens.
type Query struct {
	Text string
	// Types restricts the entity kinds searched; empty searches all of them.
	Types []domain.EntityType
	Limit int
}

// SearchHit is one matching entity.
type SearchHit struct {
	Entity domain.EntityType `json:"entity"`
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Score  int               `json:"score"`
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// score counts the query tokens that prefix any token of the document.
func score(query []string, fields ...string) int {
	var doc []string
	for _, f := range fields {
		doc = append(doc, tokenize(f)...)
	}
	n := 0
	for _, q := range query {
		for _, d := range doc {
			if strings.HasPrefix(d, q) {
				n++
				break
			}
		}
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Search matches entities by case-insensitive token prefixes. Hits are sorted
// by score, then name.
func (s *Service) Search(ctx context.Context, q Query) ([]SearchHit, error) {
	tokens := tokenize(q.Text)
	if len(tokens) == 0 {
		return []SearchHit{}, nil
	}
	want := func(e domain.EntityType) bool {
		if len(q.Types) == 0 {
			return true
		}
		for _, t := range q.Types {
			if t == e {
				return true
			}
		}
		return false
	}
	return read(ctx, s, "search", func(v domain.TransactionView) ([]SearchHit, error) {
		hits := []SearchHit{}
		add := func(entity domain.EntityType, id, name string, fields ...string) {
			if sc := score(tokens, append(fields, name)...); sc > 0 {
				hits = append(hits, SearchHit{Entity: entity, ID: id, Name: name, Score: sc})
			}
		}
		if want(domain.EntityProgramme) {
			for _, p := range v.ListProgrammes() {
				add(domain.EntityProgramme, p.ID, p.Name, p.Abbreviation, p.Crop, deref(p.Objective))
			}
		}
		if want(domain.EntityFieldTrial) {
			for _, t := range v.ListFieldTrials() {
				add(domain.EntityFieldTrial, t.ID, t.Name, t.Team)
			}
		}
		if want(domain.EntityStudy) {
			for _, st := range v.ListStudies() {
				add(domain.EntityStudy, st.ID, st.Name, st.Season, st.Design, deref(st.Description))
			}
		}
		if want(domain.EntityLocation) {
			for _, l := range v.ListLocations() {
				add(domain.EntityLocation, l.ID, l.Name, l.Address)
			}
		}
		if want(domain.EntityVariable) {
			for _, mv := range v.ListVariables() {
				add(domain.EntityVariable, mv.ID, mv.Name, mv.Trait, mv.Method, deref(mv.Description))
			}
		}
		if want(domain.EntityPerson) {
			for _, p := range v.ListPeople() {
				add(domain.EntityPerson, p.ID, p.Name, p.Organisation, p.Role)
			}
		}
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return strings.ToLower(hits[i].Name) < strings.ToLower(hits[j].Name)
		})
		limit := q.Limit
		if limit <= 0 {
			limit = DefaultSearchLimit
		}
		if len(hits) > limit {
			hits = hits[:limit]
		}
		return hits, nil
	})
}
