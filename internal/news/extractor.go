package news

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/momentum-bot/internal/broker"
	"github.com/quantfold/momentum-bot/internal/observ"
)

// Extractor asks the ticker-extraction collaborator for the single best
// symbol in an article. One retry, short timeout; a slow extractor must not
// stall the news stage.
type Extractor struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retries int
}

type extractRequest struct {
	Text string   `json:"text"`
	Hint []string `json:"hint,omitempty"`
}

type extractResponse struct {
	Symbol     *string `json:"symbol"`
	Confidence float64 `json:"confidence"`
}

func NewExtractor(baseURL string, timeout time.Duration, maxReqPerSec float64) *Extractor {
	if timeout <= 0 {
		timeout = time.Second
	}
	if maxReqPerSec <= 0 {
		maxReqPerSec = 5
	}
	return &Extractor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(maxReqPerSec), int(maxReqPerSec)+1),
		retries: 1,
	}
}

// Extract returns (symbol, confidence). An empty symbol means the extractor
// found nothing; an error means the collaborator itself failed.
func (e *Extractor) Extract(ctx context.Context, text string, hint []string) (string, float64, error) {
	body, err := json.Marshal(extractRequest{Text: text, Hint: hint})
	if err != nil {
		return "", 0, err
	}

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", 0, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return "", 0, err
		}
		symbol, conf, err := e.post(ctx, body)
		if err == nil {
			return symbol, conf, nil
		}
		lastErr = err
		observ.IncCounter("extractor_errors_total", nil)
	}
	return "", 0, &broker.Error{Kind: broker.KindExtractor, Msg: lastErr.Error()}
}

func (e *Extractor) post(ctx context.Context, body []byte) (string, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", 0, fmt.Errorf("extractor status %d", resp.StatusCode)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("extractor decode: %w", err)
	}
	if out.Symbol == nil {
		return "", out.Confidence, nil
	}
	return *out.Symbol, out.Confidence, nil
}
