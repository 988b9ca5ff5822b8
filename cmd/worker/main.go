package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"unimark/internal/attendance"
	"unimark/internal/audit"
	"unimark/internal/config"
	"unimark/internal/identity"
	"unimark/internal/integrity"
	"unimark/internal/obs"
	"unimark/internal/queue"
	"unimark/internal/store"
)

// Worker drains the audit queue into Postgres and runs the periodic lock
// sweep that advances sessions past their edit window into locked.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "unimark:audit")
	}

	obs.Init()
	auditRepo := audit.NewRepository(db.Client)
	repo := attendance.NewRepository(db.Client)
	ids := identity.NewRepository(db.Client)
	// The worker never verifies submissions; its gate runs in skip mode.
	gate := integrity.New(cfg.AttestationURL, true)
	core := attendance.NewService(repo, ids, gate, auditRepo, attendance.Policy{
		EditWindow: cfg.EditWindow,
	})

	go runSweep(ctx, core, cfg.SweepInterval)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, draining audit events...")
	for msg := range messages {
		if msg.Type != queue.TypeAudit {
			continue
		}
		event, err := audit.Decode(msg.Body)
		if err != nil {
			log.Printf("audit decode failed: %v", err)
			continue
		}
		if err := auditRepo.Insert(ctx, event); err != nil {
			log.Printf("audit insert %s failed: %v", event.Type, err)
		}
	}

	log.Println("worker stopped")
}

// runSweep locks expired sessions on a fixed cadence until the context is
// cancelled. One pass runs immediately at startup.
func runSweep(ctx context.Context, core *attendance.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		locked, err := core.SweepExpiredSessions(ctx, time.Now())
		if err != nil {
			log.Printf("lock sweep failed: %v", err)
			return
		}
		if locked > 0 {
			obs.SessionsLocked(locked)
			log.Printf("lock sweep: %d session(s) locked", locked)
		}
	}

	sweep()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}
