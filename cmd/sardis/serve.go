package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/EfeDurmaz16/sardis-sub000/pkg/config"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/contracts"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/gateway"
	"github.com/EfeDurmaz16/sardis-sub000/pkg/notify"
)

// PaymentSubject carries payment requests as NATS request/reply.
const PaymentSubject = "sardis.payments.submit"

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), exitSignals...)
	defer stop()

	sys, err := openSystem(ctx, cfg, systemOptions{async: true, telemetry: true})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer sys.Close()

	seeded, err := sys.seedPolicies(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if seeded > 0 {
		log.Printf("[sardis] seeded %d policies from %s", seeded, cfg.PolicyDir)
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		sys.gw.Reconciler(cfg.ReconcileTimeout, cfg.DropTimeout).Run(ctx, cfg.ReconcileInterval)
	})
	spawn(func() { sweepLoop(ctx, sys, cfg.ApprovalSweepEvery) })
	if sys.outbox != nil {
		spawn(func() { sys.outbox.Run(ctx, 0) })
	}

	if sys.nats != nil {
		unsubscribe, err := notify.Subscribe(sys.nats.Conn(), notify.SubjectPrefix+".>", func(e notify.Event) {
			if err := sys.gw.HandleApprovalEvent(ctx, e); err != nil {
				log.Printf("[sardis] approval event %s: %v", e.ID, err)
			}
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer unsubscribe()

		sub, err := servePayments(ctx, sys.nats.Conn(), sys.gw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = sub.Unsubscribe() }()
		log.Printf("[sardis] accepting payment requests on %s", PaymentSubject)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           healthHandler(sys),
		ReadHeaderTimeout: 5 * time.Second,
	}
	spawn(func() {
		log.Printf("[sardis] health endpoint listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[sardis] health server: %v", err)
			stop()
		}
	})

	<-ctx.Done()
	log.Println("[sardis] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return 0
}

// sweepLoop expires overdue approvals and purges stale replay records.
func sweepLoop(ctx context.Context, sys *system, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := sys.gw.ExpireApprovals(ctx); err != nil {
			log.Printf("[sardis] approval sweep: %v", err)
		} else if n > 0 {
			log.Printf("[sardis] expired %d approvals", n)
		}
		if n, err := sys.gw.ResumeStranded(ctx); err != nil {
			log.Printf("[sardis] stranded approval sweep: %v", err)
		} else if n > 0 {
			log.Printf("[sardis] resumed %d stranded payments", n)
		}
		if sys.replaySQL != nil {
			if _, err := sys.replaySQL.Purge(ctx); err != nil {
				log.Printf("[sardis] replay purge: %v", err)
			}
		}
	}
}

type submitReply struct {
	Outcome *gateway.Outcome `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// servePayments answers PaymentRequest messages with the pipeline outcome.
// Requests are handled one goroutine each so a slow settlement does not
// block the subscription.
func servePayments(ctx context.Context, conn *nats.Conn, gw *gateway.Gateway) (*nats.Subscription, error) {
	sub, err := conn.QueueSubscribe(PaymentSubject, "sardis", func(msg *nats.Msg) {
		go func() {
			var reply submitReply
			var req contracts.PaymentRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				reply.Error = "malformed payment request"
			} else if out, err := gw.Submit(ctx, req); err != nil {
				reply.Error = err.Error()
			} else {
				reply.Outcome = &out
			}
			data, _ := json.Marshal(reply)
			if msg.Reply != "" {
				_ = msg.Respond(data)
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", PaymentSubject, err)
	}
	return sub, conn.Flush()
}

type healthStatus struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	LiteMode   bool              `json:"lite_mode"`
	Components map[string]string `json:"components,omitempty"`
}

func healthHandler(sys *system) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthStatus{Status: "ok", Version: version, LiteMode: sys.cfg.LiteMode()})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		hs := healthStatus{Status: "ok", Version: version, LiteMode: sys.cfg.LiteMode(), Components: readiness(ctx, sys)}
		code := http.StatusOK
		for _, v := range hs.Components {
			if strings.HasPrefix(v, "error") {
				hs.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, hs)
	})
	return mux
}

func readiness(ctx context.Context, sys *system) map[string]string {
	out := map[string]string{"database": "ok"}
	if err := sys.db.PingContext(ctx); err != nil {
		out["database"] = "error: " + err.Error()
	}
	if sys.redis != nil {
		out["redis"] = "ok"
		if err := sys.redis.Ping(ctx).Err(); err != nil {
			out["redis"] = "error: " + err.Error()
		}
	}
	if sys.nats != nil {
		out["nats"] = "ok"
		if !sys.nats.Conn().IsConnected() {
			out["nats"] = "error: disconnected"
		}
	}
	if sys.screener != nil {
		out["compliance"] = string(sys.screener.Breaker().State())
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var exitSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
