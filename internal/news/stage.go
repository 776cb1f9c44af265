package news

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quantfold/momentum-bot/internal/model"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/pipeline"
	"github.com/quantfold/momentum-bot/internal/trace"
)

// Stage resolves raw articles to at most one TickerEvent each: hint first,
// extractor on miss or ambiguity, duplicate (symbol, articleId) pairs
// suppressed inside the dedupe window.
type Stage struct {
	in            <-chan model.NewsArticle
	out           *pipeline.Queue[model.TickerEvent]
	extractor     *Extractor
	minConfidence float64
	dedupeWindow  time.Duration

	mu   sync.Mutex
	seen map[dedupeKey]time.Time

	now func() time.Time
}

type dedupeKey struct {
	symbol    string
	articleID string
}

func NewStage(in <-chan model.NewsArticle, out *pipeline.Queue[model.TickerEvent], extractor *Extractor, minConfidence float64, dedupeWindow time.Duration) *Stage {
	if dedupeWindow <= 0 {
		dedupeWindow = 60 * time.Second
	}
	return &Stage{
		in:            in,
		out:           out,
		extractor:     extractor,
		minConfidence: minConfidence,
		dedupeWindow:  dedupeWindow,
		seen:          map[dedupeKey]time.Time{},
		now:           time.Now,
	}
}

// Run consumes articles until ctx is cancelled.
func (s *Stage) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case art := <-s.in:
			s.process(ctx, art)
		}
	}
}

func (s *Stage) process(ctx context.Context, art model.NewsArticle) {
	ctx, span := trace.Start(ctx, "news.process")
	span.SetAttributes(attribute.String("article_id", art.ID))
	defer span.End()

	start := s.now()
	symbol, ok := s.resolve(ctx, art)
	observ.ObserveDuration("news_resolve", s.now().Sub(start), nil)
	if !ok {
		observ.IncCounter("news_unresolved_total", nil)
		return
	}

	if !s.admit(symbol, art.ID) {
		observ.IncCounter("news_deduped_total", nil)
		observ.Debug("news_duplicate", map[string]any{"symbol": symbol, "article_id": art.ID})
		return
	}

	ev := model.TickerEvent{
		Symbol:      symbol,
		ArticleID:   art.ID,
		PublishedAt: art.PublishedAt,
		ReceivedAt:  art.ReceivedAt,
	}
	if err := s.out.Push(ctx, ev); err != nil {
		observ.Warn("news_emit_failed", map[string]any{"symbol": symbol, "err": err.Error()})
		return
	}
	observ.IncCounter("ticker_events_total", map[string]string{"symbol": symbol})
	observ.Log("ticker_event", map[string]any{"symbol": symbol, "article_id": art.ID})
}

// resolve picks the single symbol for an article. The hint wins when it
// names exactly one valid ticker; otherwise the extractor decides.
func (s *Stage) resolve(ctx context.Context, art model.NewsArticle) (string, bool) {
	hints := ParseHint(art.SymbolsHint)
	if len(hints) == 1 {
		return hints[0], true
	}

	if s.extractor == nil {
		return "", false
	}
	text := art.Headline
	if art.Body != "" {
		text = text + "\n" + art.Body
	}
	symbol, conf, err := s.extractor.Extract(ctx, text, hints)
	if err != nil {
		observ.Warn("extractor_failed", map[string]any{"article_id": art.ID, "err": err.Error()})
		return "", false
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || conf < s.minConfidence || !model.ValidSymbol(symbol) {
		return "", false
	}
	return symbol, true
}

// admit records (symbol, articleId) and reports whether it is new within the
// window. Expired entries are swept opportunistically.
func (s *Stage) admit(symbol, articleID string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.seen {
		if now.Sub(at) > s.dedupeWindow {
			delete(s.seen, k)
		}
	}
	k := dedupeKey{symbol: symbol, articleID: articleID}
	if at, dup := s.seen[k]; dup && now.Sub(at) <= s.dedupeWindow {
		return false
	}
	s.seen[k] = now
	return true
}

// ParseHint splits a provider symbols hint ("BZ:AAPL,NYSE:F;MSFT") into
// validated tickers. Exchange prefixes are stripped, duplicates collapsed.
func ParseHint(hint string) []string {
	if hint == "" {
		return nil
	}
	fields := strings.FieldsFunc(hint, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	var out []string
	seen := map[string]bool{}
	for _, f := range fields {
		if i := strings.LastIndexByte(f, ':'); i >= 0 {
			f = f[i+1:]
		}
		sym := strings.ToUpper(strings.TrimSpace(f))
		if sym == "" || !model.ValidSymbol(sym) || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
