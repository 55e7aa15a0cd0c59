package reasoning

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// KnowledgeSource looks up support articles relevant to a query.
type KnowledgeSource interface {
	Articles(ctx context.Context, query string) ([]string, error)
}

// StaticKnowledge is a fixed article list returned for every query.
type StaticKnowledge []string

// DefaultArticles is the built-in support knowledge.
var DefaultArticles = StaticKnowledge{
	"Returns policy: 30-day return window",
	"Common issue: Reset device by holding power for 10s",
	"Warranty: 1-year limited warranty",
}

// FallbackArticles are used when the knowledge source fails.
var FallbackArticles = []string{"Standard troubleshooting: Restart the device"}

// Articles returns the fixed list.
func (s StaticKnowledge) Articles(context.Context, string) ([]string, error) {
	return []string(s), nil
}

// knowledgeCapacity bounds the number of cached queries.
const knowledgeCapacity = 1024

// KnowledgeCache memoizes a KnowledgeSource by normalized query. Entries
// expire a fixed TTL after they were stored; hits do not extend them.
type KnowledgeCache struct {
	source  KnowledgeSource
	logger  *zap.Logger
	entries *ttlcache.Cache[string, []string]
}

// NewKnowledgeCache wraps source with a TTL cache.
func NewKnowledgeCache(source KnowledgeSource, ttl time.Duration, logger *zap.Logger) *KnowledgeCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeCache{
		source: source,
		logger: logger,
		entries: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](ttl),
			ttlcache.WithCapacity[string, []string](knowledgeCapacity),
			ttlcache.WithDisableTouchOnHit[string, []string](),
		),
	}
}

// Lookup returns articles for query. Errors from the source are logged
// and answered with FallbackArticles; they never reach the caller.
func (c *KnowledgeCache) Lookup(ctx context.Context, query string) []string {
	key := NormalizeQuery(query)
	if item := c.entries.Get(key); item != nil {
		c.logger.Debug("knowledge cache hit", zap.String("query", key))
		return item.Value()
	}
	c.entries.DeleteExpired()

	articles, err := c.source.Articles(ctx, query)
	if err != nil {
		c.logger.Warn("knowledge lookup failed", zap.Error(err))
		return FallbackArticles
	}
	c.entries.Set(key, articles, ttlcache.DefaultTTL)
	return articles
}

// Len returns the number of cached queries.
func (c *KnowledgeCache) Len() int {
	return c.entries.Len()
}

// NormalizeQuery lowercases, trims and strips punctuation from query.
func NormalizeQuery(query string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(query)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
