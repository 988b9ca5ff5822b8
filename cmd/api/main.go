package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unimark/internal/attendance"
	"unimark/internal/audit"
	"unimark/internal/auth"
	"unimark/internal/config"
	"unimark/internal/geo"
	"unimark/internal/httpmiddleware"
	"unimark/internal/identity"
	"unimark/internal/integrity"
	"unimark/internal/obs"
	"unimark/internal/proofcode"
	"unimark/internal/queue"
	"unimark/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	obs.Init()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "unimark:audit")
	}
	sink := audit.NewQueueSink(q)

	gate := integrity.New(cfg.AttestationURL, cfg.AttestationSkip)

	var (
		core *attendance.Service
		db   *store.DB
	)
	policy := attendance.Policy{
		DefaultTTL:     cfg.SessionTTL,
		DefaultRadiusM: cfg.SessionRadiusM,
		EditWindow:     cfg.EditWindow,
		MinAccuracyM:   cfg.MinAccuracyM,
	}
	if cfg.StoreBackend == "memory" {
		mem := attendance.NewMemStore()
		core = attendance.NewService(mem, mem, gate, sink, policy)
		log.Println("using in-memory store (dev mode)")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		repo := attendance.NewRepository(db.Client)
		ids := identity.NewRepository(db.Client)
		core = attendance.NewService(repo, ids, gate, sink, policy)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(obs.GinMiddleware())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db == nil || db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))

	v1.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Branch     string   `json:"branch" binding:"required"`
			ClassID    string   `json:"class_id" binding:"required"`
			CohortIDs  []string `json:"cohort_ids" binding:"required"`
			Subject    string   `json:"subject" binding:"required"`
			TTLSeconds int      `json:"ttl_seconds"`
			RadiusM    float64  `json:"radius_m"`
			Lat        float64  `json:"lat" binding:"required"`
			Lng        float64  `json:"lng" binding:"required"`
			AccM       float64  `json:"acc_m"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sess, err := core.CreateSession(c.Request.Context(), auth.CallerID(c), attendance.CreateSessionRequest{
			Scope:      attendance.Scope{Branch: req.Branch, ClassID: req.ClassID, CohortIDs: req.CohortIDs},
			Subject:    req.Subject,
			TTLSeconds: req.TTLSeconds,
			RadiusM:    req.RadiusM,
			Center:     geo.Point{Lat: req.Lat, Lng: req.Lng},
			CenterAccM: req.AccM,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		obs.SessionCreated()
		c.JSON(http.StatusCreated, gin.H{
			"session_id": sess.ID,
			"code":       proofcode.Format(sess.BaseCode),
			"expires_at": sess.ExpiresAt,
		})
	})

	v1.GET("/sessions/:id", func(c *gin.Context) {
		sess, err := core.Session(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session": sess,
			"stats":   sess.Stats,
		})
	})

	v1.POST("/sessions/:id/close", func(c *gin.Context) {
		if err := core.CloseSession(c.Request.Context(), c.Param("id"), auth.CallerID(c)); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	})

	v1.POST("/attendance", func(c *gin.Context) {
		var req struct {
			SessionID        string  `json:"session_id" binding:"required"`
			Code             int     `json:"code"`
			Lat              float64 `json:"lat"`
			Lng              float64 `json:"lng"`
			AccM             float64 `json:"acc_m"`
			DeviceInstIDHash string  `json:"device_inst_id_hash" binding:"required"`
			DevicePlatform   string  `json:"device_platform"`
			UseBiometric     bool    `json:"use_biometric"`
			AttestationToken string  `json:"attestation_token"`
			PIN              string  `json:"pin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, err := core.Submit(c.Request.Context(), attendance.SubmitRequest{
			SessionID: req.SessionID,
			SubjectID: auth.CallerID(c),
			Code:      req.Code,
			Location: attendance.Location{
				Point: geo.Point{Lat: req.Lat, Lng: req.Lng},
				AccM:  req.AccM,
			},
			DeviceInstIDHash: req.DeviceInstIDHash,
			DevicePlatform:   req.DevicePlatform,
			UseBiometric:     req.UseBiometric,
			AttestationToken: req.AttestationToken,
			PIN:              req.PIN,
			IP:               c.ClientIP(),
			UserAgent:        c.Request.UserAgent(),
		})
		if err != nil {
			obs.ObserveSubmission(string(attendance.KindOf(err)))
			respondError(c, err)
			return
		}

		obs.ObserveSubmission("accepted")
		c.JSON(http.StatusCreated, gin.H{
			"record_id":     result.RecordID,
			"session_stats": result.Stats,
		})
	})

	v1.PATCH("/sessions/:id/attendance/:subject_id", func(c *gin.Context) {
		var req struct {
			Outcome string `json:"outcome" binding:"required"`
			Reason  string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := core.Correct(c.Request.Context(), c.Param("id"), c.Param("subject_id"),
			attendance.Outcome(req.Outcome), req.Reason, auth.CallerID(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// respondError maps pipeline error kinds onto HTTP statuses. The body
// carries the stable kind plus the caller-facing message only; precise
// causes stay in the audit trail.
func respondError(c *gin.Context, err error) {
	kind := attendance.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case attendance.KindNotAuthorized, attendance.KindDeviceMismatch, attendance.KindAttestationFailed:
		status = http.StatusForbidden
	case attendance.KindNotFound:
		status = http.StatusNotFound
	case attendance.KindDuplicate, attendance.KindSessionLocked, attendance.KindEditWindowExpired:
		status = http.StatusConflict
	case attendance.KindInvalidCode, attendance.KindOutOfRange:
		status = http.StatusUnprocessableEntity
	case attendance.KindInternal:
		log.Printf("internal error: %v", err)
	}
	c.JSON(status, gin.H{"error": string(kind), "message": attendance.MessageOf(err)})
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
