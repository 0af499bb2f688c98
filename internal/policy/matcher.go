package policy

import (
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxCompiledPatterns bounds the compiled pattern cache. Policy files hold far
// fewer patterns, so in practice each pattern is compiled once.
const maxCompiledPatterns = 1024

var compiled = mustPatternCache()

func mustPatternCache() *lru.Cache[string, glob.Glob] {
	c, err := lru.New[string, glob.Glob](maxCompiledPatterns)
	if err != nil {
		panic(err)
	}
	return c
}

// Match reports whether name matches pattern. A '*' matches any run of
// characters, every other character matches itself, and the whole name must
// match.
func Match(pattern, name string) bool {
	g := lookup(pattern)
	return g != nil && g.Match(name)
}

// MatchAny reports whether name matches at least one of patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

// lookup returns the compiled form of pattern, or nil if it does not compile.
func lookup(pattern string) glob.Glob {
	if g, ok := compiled.Get(pattern); ok {
		return g
	}

	g, err := compile(pattern)
	if err != nil {
		compiled.Add(pattern, nil)
		return nil
	}
	compiled.Add(pattern, g)
	return g
}

// compile quotes everything except '*' so glob metacharacters such as
// '?', '[' and '{' in tool names stay literal.
func compile(pattern string) (glob.Glob, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = glob.QuoteMeta(part)
	}
	return glob.Compile(strings.Join(parts, "*"))
}

// precompile warms the cache for every pattern of policies.
func precompile(policies []Policy) {
	for _, p := range policies {
		for _, pattern := range p.ToolPatterns {
			lookup(pattern)
		}
	}
}
