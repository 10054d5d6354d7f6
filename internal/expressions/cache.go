package expressions

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/crmflow/pkg/schema"
)

// maxCachedPrograms bounds each engine's cache. Expressions come from stored
// workflow configs, so the working set is small; past the bound the cache is
// dropped and refilled.
const maxCachedPrograms = 1024

// programCache memoizes compiled programs by source text. Concurrent misses
// for the same source share one compilation.
type programCache[P any] struct {
	compile func(src string) (P, error)

	mu    sync.RWMutex
	progs map[string]P
	group singleflight.Group
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := c.group.Do(src, func() (any, error) {
		p, err := c.compile(src)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if len(c.progs) >= maxCachedPrograms {
			c.progs = make(map[string]P)
		}
		c.progs[src] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		var zero P
		return zero, err
	}
	return v.(P), nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// compileError and evalError give every engine the same error shape.
func compileError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
