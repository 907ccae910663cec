package resource

import "fmt"

// pool hands out the lowest free id of [min, max], scoped per key.
type pool struct {
	name     string
	min, max int
	used     map[string]map[int]bool
}

func newPool(name string, min, max int) *pool {
	return &pool{name: name, min: min, max: max, used: map[string]map[int]bool{}}
}

func (p *pool) take(scope string) (int, error) {
	used := p.used[scope]
	if used == nil {
		used = map[int]bool{}
		p.used[scope] = used
	}
	for id := p.min; id <= p.max; id++ {
		if !used[id] {
			used[id] = true
			return id, nil
		}
	}
	return 0, fmt.Errorf("%s pool %d-%d exhausted for %q", p.name, p.min, p.max, scope)
}

func (p *pool) put(scope string, id int) {
	if used := p.used[scope]; used != nil {
		delete(used, id)
	}
}

func (p *pool) inUse(scope string) int {
	return len(p.used[scope])
}
