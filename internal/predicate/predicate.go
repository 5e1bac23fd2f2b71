// Package predicate compiles and evaluates the side-effect-free boolean
// expression language used by playbook bindings (the "predicate" field) and
// step conditions ("if"/"condition"), per the enumerated operators:
// equality, membership (contains(haystack, needle)), numeric comparison,
// IN-style sets (gval's `in`), and
// dotted path access into the supplied data. Unparsable expressions
// evaluate false: a binding with a broken predicate never fires.
package predicate

import (
	"fmt"
	"strings"
	"sync"

	"github.com/PaesslerAG/gval"
)

// Language is the gval dialect predicates and conditions compile against:
// the arithmetic/text/propositional base plus a contains(haystack, needle)
// function, so membership is written `contains(tags, 'ransomware')` and set
// membership uses gval's own `category in [...]` operator. The method form
// `tags.contains('ransomware')` is not registered and fails closed.
var Language = gval.NewLanguage(
	gval.Full(),
	gval.Function("contains", containsFunc),
)

func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("predicate: contains() takes exactly 2 arguments")
	}
	needle := fmt.Sprintf("%v", args[1])
	switch haystack := args[0].(type) {
	case []interface{}:
		for _, item := range haystack {
			if fmt.Sprintf("%v", item) == needle {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(haystack, needle), nil
	default:
		return false, nil
	}
}

// Evaluable is a compiled, reusable predicate.
type Evaluable struct {
	expr gval.Evaluable
	src  string
}

// Compile parses expr once. A syntax error is returned to the caller so it
// can log the malformed predicate; callers typically fall back to Eval's
// fail-closed behavior on any stored error rather than abort compilation.
func Compile(expr string) (*Evaluable, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Evaluable{src: expr}, nil
	}
	compiled, err := Language.NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("predicate: parse %q: %w", expr, err)
	}
	return &Evaluable{expr: compiled, src: expr}, nil
}

// Eval evaluates the compiled predicate against data. An empty predicate
// (from Compile("")) always evaluates true — "no predicate" means "always
// match". A nil receiver (a compile failure, which Cache stores as nil)
// evaluates false, fail-closed.
func (e *Evaluable) Eval(data map[string]interface{}) bool {
	if e == nil {
		return false
	}
	if e.expr == nil {
		return true
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	result, err := e.expr.EvalBool(nil, data)
	if err != nil {
		return false
	}
	return result
}

// String returns the source expression the Evaluable was compiled from.
func (e *Evaluable) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

// cache memoizes compiled predicates by source text so the trigger engine's
// hot path (evaluated once per event per matching binding) never
// re-parses the same expression twice.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Evaluable
}

// NewCache returns an empty predicate compilation cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Evaluable)}
}

// Get returns a compiled predicate for expr, compiling and caching on miss.
// Compile errors are also cached (as a nil Evaluable) so a malformed
// predicate is only parsed once and fails closed on every subsequent call.
func (c *Cache) Get(expr string) *Evaluable {
	c.mu.RLock()
	if e, ok := c.entries[expr]; ok {
		c.mu.RUnlock()
		return e
	}
	c.mu.RUnlock()

	compiled, err := Compile(expr)
	if err != nil {
		compiled = nil
	}

	c.mu.Lock()
	c.entries[expr] = compiled
	c.mu.Unlock()
	return compiled
}

// Eval evaluates expr against data, fail-closed on any parse or eval error.
func (c *Cache) Eval(expr string, data map[string]interface{}) bool {
	return c.Get(expr).Eval(data)
}
