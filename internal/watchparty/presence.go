package watchparty

import (
	"time"

	"github.com/google/uuid"
)

// Person is one viewer, folding all of their connections together.
type Person struct {
	Key         string
	DisplayName string
	UserID      *uuid.UUID
	Since       time.Time
	Connections int
}

// People returns the viewers in the presence list, keyed by stable identity,
// in order of arrival.
func (s State) People() []Person {
	var people []Person
	index := make(map[string]int)
	for _, p := range s.Presences {
		key := p.Key()
		if i, ok := index[key]; ok {
			people[i].Connections++
			if p.OnlineAt.Before(people[i].Since) {
				people[i].Since = p.OnlineAt
			}
			continue
		}
		index[key] = len(people)
		people = append(people, Person{
			Key:         key,
			DisplayName: p.DisplayName,
			UserID:      p.UserID,
			Since:       p.OnlineAt,
			Connections: 1,
		})
	}
	return people
}

// ViewerCount is the number of distinct viewers present.
func (s State) ViewerCount() int {
	return len(s.People())
}
