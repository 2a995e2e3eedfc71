package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lioneltay/claude-pilot/domain/search"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const queryPlaceholder = "{query}"

type Config struct {
	// Command is the executable and its arguments. An argument equal to
	// "{query}" is replaced by the query; otherwise the query is appended.
	Command       []string
	Timeout       time.Duration
	RatePerMinute float64
	CacheSize     int
}

// CommandHelper runs an external search command that prints a JSON result
// ({"summaryText": ..., "sources": [{"title","url"}]}) on stdout.
type CommandHelper struct {
	command []string
	timeout time.Duration
	limiter *rate.Limiter
	cache   *lru.Cache[string, *search.Result]
}

func NewCommandHelper(cfg Config) (*CommandHelper, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, fmt.Errorf("search command is not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}

	cache, err := lru.New[string, *search.Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create search cache: %w", err)
	}

	return &CommandHelper{
		command: cfg.Command,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60.0), 1),
		cache:   cache,
	}, nil
}

func (h *CommandHelper) Search(ctx context.Context, query string) (*search.Result, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if cached, ok := h.cache.Get(key); ok {
		logrus.WithField("query", query).Debug("Search cache hit")
		return cached, nil
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.command[0], h.args(query)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren may hold the pipes open after the kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"query":  query,
			"stderr": strings.TrimSpace(stderr.String()),
		}).Error("Search command failed")
		return nil, fmt.Errorf("search command: %w", err)
	}

	result, err := ParseResult(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	h.cache.Add(key, result)

	logrus.WithFields(logrus.Fields{
		"query":    query,
		"sources":  len(result.Sources),
		"duration": time.Since(start),
	}).Info("Search completed")
	return result, nil
}

func (h *CommandHelper) args(query string) []string {
	args := make([]string, 0, len(h.command))
	substituted := false
	for _, arg := range h.command[1:] {
		if arg == queryPlaceholder {
			args = append(args, query)
			substituted = true
			continue
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, query)
	}
	return args
}

// ParseResult decodes the helper's stdout. Sources without a URL are dropped.
func ParseResult(data []byte) (*search.Result, error) {
	var result search.Result
	if err := json.Unmarshal(bytes.TrimSpace(data), &result); err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}
	sources := result.Sources[:0]
	for _, src := range result.Sources {
		if strings.TrimSpace(src.URL) == "" {
			continue
		}
		sources = append(sources, src)
	}
	result.Sources = sources
	if result.SummaryText == "" && len(result.Sources) == 0 {
		return nil, fmt.Errorf("search result is empty")
	}
	return &result, nil
}
