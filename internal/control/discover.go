package control

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline0/internal/network"
	"offline0/internal/routing"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// Precacher seeds the dynamic partition with pages listed in sitemaps.
type Precacher struct {
	channel  *Channel
	table    *routing.Table
	sitemaps []string
	logger   *zap.Logger
}

func NewPrecacher(ch *Channel, table *routing.Table, sitemaps []string, logger *zap.Logger) *Precacher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Precacher{
		channel:  ch,
		table:    table,
		sitemaps: sitemaps,
		logger:   logger.Named("precache"),
	}
}

// Run waits initialDelay, then pre-caches once.
func (p *Precacher) Run(ctx context.Context, initialDelay time.Duration) {
	if len(p.sitemaps) == 0 {
		return
	}
	if initialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialDelay):
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	res, ignored, err := p.Once(ctx)
	if err != nil {
		p.logger.Warn("sitemap pre-cache failed", zap.Error(err))
		return
	}
	p.logger.Info("sitemap pre-cache done",
		zap.Int("cached", len(res.Cached)),
		zap.Int("failed", len(res.Failed)),
		zap.Int("ignored", ignored))
}

// Once walks every sitemap, following nested indexes, and caches the URLs
// that route to the dynamic partition and are not cached yet.
func (p *Precacher) Once(ctx context.Context) (Result, int, error) {
	partition := p.channel.lifecycle.Generation().Partition(routing.RoleDynamic)
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var (
		todo    []string
		ignored int
	)

	queue := make([]string, 0, len(p.sitemaps))
	for _, sm := range p.sitemaps {
		if sm = p.channel.resolve(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, ignored, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := p.fetchSitemap(ctx, smURL)
		if err != nil {
			return Result{}, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = p.channel.resolve(nested); nested != "" {
				queue = append(queue, nested)
			}
		}

		for _, loc := range doc.URLs {
			path := pathFromLoc(loc)
			if path == "" {
				ignored++
				continue
			}
			if p.table.Route(p.table.Classify(path)).Role != routing.RoleDynamic {
				ignored++
				continue
			}
			u := p.channel.resolve(loc)
			if u == "" {
				ignored++
				continue
			}
			if _, ok := seenURLs[u]; ok {
				continue
			}
			seenURLs[u] = struct{}{}
			// seed only what is missing
			if _, ok, err := p.channel.store.Match(ctx, partition, u); err == nil && ok {
				continue
			}
			todo = append(todo, u)
		}
		p.logger.Debug("sitemap read", zap.String("sitemap", smURL), zap.Int("urls", len(doc.URLs)))
	}

	if len(todo) == 0 {
		return Result{Type: CacheURLs, OK: true}, ignored, nil
	}
	return p.channel.cacheURLs(ctx, todo), ignored, nil
}

func (p *Precacher) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	resp, err := p.channel.fetcher.Fetch(ctx, &network.Request{Method: "GET", URL: sitemapURL})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// .gz sitemaps, or a gzip magic header
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
