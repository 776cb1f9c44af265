package stubs

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/quantfold/momentum-bot/internal/model"
)

// ExtractorStub is a deterministic ticker extractor for local runs and
// tests: it scans the text for known symbols and returns the first hit.
type ExtractorStub struct {
	mu      sync.RWMutex
	symbols map[string]float64 // symbol -> confidence
}

func NewExtractorStub(symbols map[string]float64) *ExtractorStub {
	if symbols == nil {
		symbols = map[string]float64{}
	}
	return &ExtractorStub{symbols: symbols}
}

// AddSymbol teaches the stub a ticker.
func (e *ExtractorStub) AddSymbol(symbol string, confidence float64) {
	e.mu.Lock()
	e.symbols[strings.ToUpper(symbol)] = confidence
	e.mu.Unlock()
}

func (e *ExtractorStub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/extract", e.extract)
	return mux
}

func (e *ExtractorStub) extract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text string   `json:"text"`
		Hint []string `json:"hint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	symbol, confidence := e.match(req.Text, req.Hint)
	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Symbol     *string `json:"symbol"`
		Confidence float64 `json:"confidence"`
	}{Confidence: confidence}
	if symbol != "" {
		resp.Symbol = &symbol
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (e *ExtractorStub) match(text string, hint []string) (string, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// A hinted symbol the stub knows wins outright.
	for _, h := range hint {
		h = strings.ToUpper(h)
		if conf, ok := e.symbols[h]; ok {
			return h, conf
		}
	}
	for _, word := range strings.Fields(strings.ToUpper(text)) {
		word = strings.Trim(word, ".,;:!?()[]\"'")
		if !model.ValidSymbol(word) {
			continue
		}
		if conf, ok := e.symbols[word]; ok {
			return word, conf
		}
	}
	return "", 0
}
