package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/uhyunpark/replex/params"
	"github.com/uhyunpark/replex/pkg/lock"
	"github.com/uhyunpark/replex/pkg/metrics"
	"github.com/uhyunpark/replex/pkg/p2p"
	"github.com/uhyunpark/replex/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	m := metrics.New()
	svc := lock.NewService(lock.Config{
		LeaseTTL: cfg.Lock.LeaseTTL,
		OnLeaseExpired: func(clientID string, seq uint64) {
			actx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			_ = lpn.PublishAlert(actx, p2p.Alert{
				Kind:   p2p.AlertLeaseExpired,
				Detail: "lease expired for " + clientID,
				Seq:    seq,
				Time:   time.Now().UnixMilli(),
			})
		},
	}, sugar, m)
	lpn.Serve(p2p.LockService, svc.Handler())

	if cfg.Lock.LeaseClampedFrom > 0 {
		sugar.Warnw("lock_lease_raised", "configured_ms", cfg.Lock.LeaseClampedFrom.Milliseconds(), "lease_ms", cfg.Lock.LeaseTTL.Milliseconds())
	}
	sugar.Infow("lockd_starting", "id", lpn.Self(), "addrs", lpn.Addrs(), "lease_ms", cfg.Lock.LeaseTTL.Milliseconds())

	// Health and metrics
	r := mux.NewRouter()
	r.Handle("/metrics", m.Handler()).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := svc.State()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"held":   st.Held,
			"holder": st.Holder,
			"queue":  st.Queue,
			"seq":    st.Seq,
		})
	}).Methods("GET")
	srv := &http.Server{Addr: cfg.Node.APIAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("http_server_failed", "err", err)
		}
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			srv.Shutdown(shutdownCtx)
			cancel()
			sugar.Info("lockd_stopping")
			return
		case <-ticker.C:
			st := svc.State()
			sugar.Infow("lock_status", "held", st.Held, "holder", st.Holder, "queue", len(st.Queue), "seq", st.Seq)
		}
	}
}
