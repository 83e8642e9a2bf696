package rules

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// verdictCache is a bounded FIFO map from call fingerprints to verdicts.
type verdictCache struct {
	mu    sync.Mutex
	size  int
	root  string
	items map[uint64]Verdict
	order []uint64
}

func newVerdictCache(size int) *verdictCache {
	if size <= 0 {
		return nil
	}
	return &verdictCache{size: size, items: make(map[uint64]Verdict, size)}
}

// fingerprint hashes everything a verdict can depend on.
func fingerprint(ctx *Context) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(ctx.ToolName)
	_, _ = d.Write([]byte{0})

	var compact bytes.Buffer
	if err := json.Compact(&compact, ctx.Params); err == nil {
		_, _ = d.Write(compact.Bytes())
	} else {
		_, _ = d.Write(ctx.Params)
	}
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(ctx.WorkspaceRoot)

	keys := make([]string, 0, len(ctx.Env))
	for k := range ctx.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{'='})
		_, _ = d.WriteString(ctx.Env[k])
	}
	return d.Sum64()
}

// get looks up key. A lookup under a different workspace root than the
// previous one drops every entry first.
func (c *verdictCache) get(root string, key uint64) (Verdict, bool) {
	if c == nil {
		return Verdict{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if root != c.root {
		c.items = make(map[uint64]Verdict, c.size)
		c.order = c.order[:0]
		c.root = root
		return Verdict{}, false
	}
	v, ok := c.items[key]
	return v, ok
}

func (c *verdictCache) put(root string, key uint64, v Verdict) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if root != c.root {
		return
	}
	if _, ok := c.items[key]; ok {
		c.items[key] = v
		return
	}
	if len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = v
	c.order = append(c.order, key)
}

func (c *verdictCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
