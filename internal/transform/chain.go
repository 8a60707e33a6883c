package transform

import (
	"context"
	"log/slog"
	"mime"
	"slices"
	"strings"

	pagecache "github.com/eugener/pagecache/internal"
)

// Stage is a post-render step. Transform returns a replacement body, or nil
// to keep the current one.
type Stage interface {
	Order() int
	Transform(ctx context.Context, r *pagecache.Request, resp *pagecache.Response, b Body) (Body, error)
}

// Chain runs stages in ascending Order. Stages with equal order keep their
// registration order.
type Chain struct {
	stages []Stage
}

// NewChain returns a chain of the given stages sorted by Order.
func NewChain(stages ...Stage) *Chain {
	sorted := slices.Clone(stages)
	slices.SortStableFunc(sorted, func(a, b Stage) int { return a.Order() - b.Order() })
	return &Chain{stages: sorted}
}

// Stages returns the stages in execution order.
func (c *Chain) Stages() []Stage {
	if c == nil {
		return nil
	}
	return slices.Clone(c.stages)
}

// Apply threads b through every stage and returns the final body.
func (c *Chain) Apply(ctx context.Context, r *pagecache.Request, resp *pagecache.Response, b Body) Body {
	if c == nil {
		return b
	}
	for _, s := range c.stages {
		out, err := s.Transform(ctx, r, resp, b)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "transform stage failed",
				slog.Int("order", s.Order()),
				slog.String("request_id", pagecache.RequestIDFromContext(ctx)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out != nil {
			b = out
		}
	}
	return b
}

// CharsetOrder is the position of CharsetStage in a chain.
const CharsetOrder = 100

// CharsetStage adds the charset of a Text body to a textual Content-Type
// that does not declare one.
type CharsetStage struct{}

// Order implements Stage.
func (CharsetStage) Order() int { return CharsetOrder }

// Transform implements Stage. It never replaces the body.
func (CharsetStage) Transform(_ context.Context, _ *pagecache.Request, resp *pagecache.Response, b Body) (Body, error) {
	t, ok := b.(Text)
	if !ok || t.Encoding == "" {
		return nil, nil
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return nil, nil
	}
	mediatype, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, err
	}
	if _, has := params["charset"]; has || !strings.HasPrefix(mediatype, "text/") {
		return nil, nil
	}
	params["charset"] = strings.ToLower(t.Encoding)
	resp.Header.Set("Content-Type", mime.FormatMediaType(mediatype, params))
	return nil, nil
}
