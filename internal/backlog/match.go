package backlog

import "github.com/basket/go-survey/internal/rowstore"

// Match is a configurable eligibility rule: every Equals field must hold
// exactly its value and every Empty field must be blank.
type Match struct {
	Equals map[string]string `yaml:"equals"`
	Empty  []string          `yaml:"empty"`
}

// Predicate compiles m. The zero Match accepts every row.
func (m Match) Predicate() Predicate {
	equals := make(map[string]string, len(m.Equals))
	for k, v := range m.Equals {
		equals[k] = v
	}
	empty := append([]string(nil), m.Empty...)
	return func(d rowstore.Data) bool {
		for k, v := range equals {
			if d.Get(k) != v {
				return false
			}
		}
		for _, k := range empty {
			if d.Get(k) != "" {
				return false
			}
		}
		return true
	}
}

// StatusEmpty selects rows whose field is blank.
func StatusEmpty(field string) Predicate {
	return Match{Empty: []string{field}}.Predicate()
}
