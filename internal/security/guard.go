// Package security is the query guard collaborator (SPEC_FULL §4.9),
// adapted from the teacher's regex-based injection Checker
// (internal/security/checker.go) to a client-side role: instead of
// inspecting traffic passing through a proxy, it inspects statements a
// caller is about to send through this client, so a Callbacks.PreQuery
// hook can refuse an obviously destructive or malformed one before it
// ever reaches the wire.
package security

import (
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Guard inspects outgoing statements for destructive or suspicious
// patterns. The zero value is not usable; construct with NewGuard.
type Guard struct {
	patterns []*regexp.Regexp
	blocked  []string

	mu             sync.Mutex
	inspectedCount int64
	blockedCount   int64
	logger         *logrus.Logger
}

// NewGuard builds a Guard with the default pattern set. blocked names
// statement verbs refused outright (case-insensitive, matched at the
// start of the trimmed statement); a nil slice uses a sensible default.
func NewGuard(logger *logrus.Logger, blocked []string) *Guard {
	if logger == nil {
		logger = logrus.New()
	}
	if blocked == nil {
		blocked = []string{"DROP", "TRUNCATE", "GRANT", "REVOKE", "SHUTDOWN"}
	}
	return &Guard{
		logger:  logger,
		blocked: blocked,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(;|\|\||&&)\s*(drop|delete|update|insert|create|alter|grant|revoke)\b`),
			regexp.MustCompile(`(?i)(/\*|\*/|--\s|#)`),
			regexp.MustCompile(`(?i)\b(benchmark|sleep|waitfor|delay)\s*\(`),
			regexp.MustCompile(`(?i)\b(xp_cmdshell|sp_executesql|load_file|into\s+outfile|into\s+dumpfile)\b`),
		},
	}
}

// CheckQuery reports whether query should be blocked, and why.
func (g *Guard) CheckQuery(query string) (blocked bool, reason string) {
	g.mu.Lock()
	g.inspectedCount++
	g.mu.Unlock()

	normalized := strings.TrimSpace(query)
	upper := strings.ToUpper(normalized)
	for _, verb := range g.blocked {
		if strings.HasPrefix(upper, strings.ToUpper(verb)) {
			return g.block("statement begins with blocked verb " + verb)
		}
	}

	lower := strings.ToLower(normalized)
	for _, pattern := range g.patterns {
		if pattern.MatchString(lower) {
			return g.block("statement matched pattern " + pattern.String())
		}
	}

	return false, ""
}

func (g *Guard) block(reason string) (bool, string) {
	g.mu.Lock()
	g.blockedCount++
	g.mu.Unlock()
	g.logger.WithField("reason", reason).Warn("query guard blocked statement")
	return true, reason
}

// Stats reports the Guard's lifetime counters.
func (g *Guard) Stats() (inspected, blocked int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inspectedCount, g.blockedCount
}

// BlockedError reports why CheckQuery refused a statement. Callers
// wiring a Guard into Callbacks.PreQuery check for this type to
// distinguish a deliberate refusal from a real protocol error.
type BlockedError struct{ Reason string }

func (e *BlockedError) Error() string { return "query guard: " + e.Reason }
