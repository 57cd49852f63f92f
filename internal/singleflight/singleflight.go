// Package singleflight coalesces concurrent calls for the same key into a
// single execution. The client uses it to make sure an expired OAuth2 token
// is fetched once no matter how many requests observe the expiry at the same
// time.
package singleflight

import "sync"

// Group manages a set of in-flight calls keyed by string.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

// call is one in-flight or completed execution.
type call struct {
	wg  sync.WaitGroup
	val interface{}
	err error
}

// New creates an empty Group.
func New() *Group {
	return &Group{
		m: make(map[string]*call),
	}
}

// Do executes fn, making sure only one execution is in flight for key at a
// time. Duplicate callers block until the original completes and receive the
// same result. The key is forgotten once the call finishes, so a later Do
// runs fn again.
func (g *Group) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err
	}

	c := &call{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err
}

// TryDo executes fn only when no call for key is in flight, returning
// immediately with ErrInProgress otherwise. The third return reports whether
// this caller ran fn.
func (g *Group) TryDo(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if _, ok := g.m[key]; ok {
		g.mu.Unlock()
		return nil, ErrInProgress, false
	}

	c := &call{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, true
}

// Forget drops any record of key. A racing waiter still receives the result
// of the call it joined.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
