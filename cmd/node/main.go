package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uhyunpark/replex/params"
	"github.com/uhyunpark/replex/pkg/api"
	"github.com/uhyunpark/replex/pkg/exchange"
	"github.com/uhyunpark/replex/pkg/metrics"
	"github.com/uhyunpark/replex/pkg/orderbook"
	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/storage"
	"github.com/uhyunpark/replex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Network ----
	lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		SelfID:     cfg.Node.ID,
		EnableMDNS: cfg.Node.EnableMDNS,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer lpn.Close()
	lpn.OnAlert(func(a p2p.Alert) {
		sugar.Warnw("cluster_alert", "from", a.Node, "kind", a.Kind, "peers", a.Peers, "seq", a.Seq, "detail", a.Detail)
	})

	// ---- Journal ----
	var journal storage.Journal = storage.NewMemJournal()
	if cfg.Storage.JournalPath != "" {
		pj, err := storage.NewPebbleJournal(cfg.Storage.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Storage.JournalPath, "err", err)
		}
		journal = pj
	}
	defer journal.Close()

	// ---- Exchange node ----
	book := orderbook.New(cfg.Market.Symbol)
	m := metrics.New()
	hub := api.NewHub(book, sugar)
	node := exchange.NewNode(exchange.ConfigFromParams(cfg), book, lpn,
		exchange.WithLogger(sugar),
		exchange.WithMetrics(m),
		exchange.WithJournal(journal),
		exchange.WithListener(hub.OnApplied),
	)
	node.Serve()

	sugar.Infow("node_starting",
		"node", node.ID(),
		"symbol", cfg.Market.Symbol,
		"addrs", lpn.Addrs(),
		"lock_timeout_ms", cfg.Lock.RequestTimeout.Milliseconds(),
		"broadcast_timeout_ms", cfg.Replication.BroadcastTimeout.Milliseconds())

	// ---- API Server ----
	apiServer := api.NewServer(node, hub, sugar)
	go func() {
		if err := apiServer.Start(ctx, cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// Progress logging loop
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Info("node_stopping")
			return
		case <-ticker.C:
			buys, sells := book.Depth()
			sugar.Infow("book_status", "buys", buys, "sells", sells, "last_price", book.LastPrice())
		}
	}
}
