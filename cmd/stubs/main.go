// Local collaborator stubs: a gateway simulator on the vendor wire and a
// ticker-extractor HTTP server. Run this next to the trader for end-to-end
// smoke runs without a real gateway.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/quantfold/momentum-bot/internal/ibgw"
	"github.com/quantfold/momentum-bot/internal/observ"
	"github.com/quantfold/momentum-bot/internal/stubs"
)

func main() {
	var (
		gatewayAddr   = flag.String("gateway", ":7497", "gateway simulator listen address")
		extractorAddr = flag.String("extractor", ":8092", "extractor stub listen address")
		symbols       = flag.String("symbols", "AAPL,MSFT,TSLA,NVDA", "symbols the extractor stub recognizes")
		publishEvery  = flag.Duration("publish-every", 0, "publish a synthetic article at this interval (0 disables)")
	)
	flag.Parse()
	observ.Init("info")

	sim := stubs.NewSimGateway()
	seedMarketData(sim, strings.Split(*symbols, ","))

	extractor := stubs.NewExtractorStub(nil)
	for _, s := range strings.Split(*symbols, ",") {
		extractor.AddSymbol(strings.TrimSpace(s), 0.9)
	}

	server := stubs.NewGatewayServer(sim)
	addr, err := server.Listen(*gatewayAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway listen: %v\n", err)
		os.Exit(1)
	}
	observ.Log("stub_gateway_listening", map[string]any{"addr": addr})
	go func() {
		if err := server.Serve(); err != nil {
			observ.Warn("stub_gateway_stopped", map[string]any{"err": err.Error()})
		}
	}()

	if *publishEvery > 0 {
		go publishLoop(sim, strings.Split(*symbols, ","), *publishEvery)
	}

	observ.Log("stub_extractor_listening", map[string]any{"addr": *extractorAddr})
	if err := http.ListenAndServe(*extractorAddr, extractor.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "extractor listen: %v\n", err)
		os.Exit(1)
	}
}

// seedMarketData scripts calm bars and a shocked snapshot for each symbol so
// a published article can fire the full pipeline.
func seedMarketData(sim *stubs.SimGateway, symbols []string) {
	now := time.Now().Truncate(time.Minute)
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var bars []ibgw.WireBar
		cum := int64(0)
		for i := 0; i < 11; i++ {
			cum += 10000
			bars = append(bars, ibgw.WireBar{
				Ts:        now.Add(time.Duration(i-11) * time.Minute).Unix(),
				Open:      "100.00",
				High:      "100.50",
				Low:       "99.50",
				Close:     "100.00",
				Volume:    10000,
				CumVolume: cum,
			})
		}
		sim.Bars[s] = bars
		// 5% pop on heavy volume: clears the default 3x ATR / 5x volume thresholds.
		sim.Snapshots[s] = stubs.SimSnapshot{Price: "105.00", CumVolume: cum + 600000}
	}
}

func publishLoop(sim *stubs.SimGateway, symbols []string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	i := 0
	for range ticker.C {
		symbol := strings.TrimSpace(symbols[i%len(symbols)])
		i++
		sim.PublishArticle(ibgw.Article{
			ArticleID: fmt.Sprintf("stub-%d", i),
			Provider:  "BZ",
			Headline:  fmt.Sprintf("%s announces record quarterly results", symbol),
			ExtraData: "BZ:" + symbol,
		})
		observ.Log("stub_article_published", map[string]any{"symbol": symbol, "article_id": fmt.Sprintf("stub-%d", i)})
	}
}
