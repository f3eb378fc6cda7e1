// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server plus the
// background waitlist scheduler.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/Alexmontesino96/GymAPI-sub006/internal/capacity"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/database"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/handler"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/notify"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/payment"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/processor"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/scheduler"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/service"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/store"
	"github.com/Alexmontesino96/GymAPI-sub006/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development reads STRIPE_SECRET_KEY etc. from a .env file.
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading environment directly")
	}

	// ── 1. Connect to PostgreSQL ──────────────────────────────────────────
	pool, err := database.NewPool(ctx)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer pool.Close()
	log.Println("✓ Connected to PostgreSQL")

	// ── 2. Wire up layers ────────────────────────────────────────────────
	st := store.NewPostgres(pool)
	proc := processor.NewStripe(mustEnv("STRIPE_SECRET_KEY"))

	var notifier notify.Notifier = notify.Log{}
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		amqpNotifier, err := notify.NewAMQP(url, getEnv("NOTIFY_EXCHANGE", "notification"))
		if err != nil {
			log.Fatalf("rabbitmq: %v", err)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
		log.Println("✓ Connected to RabbitMQ")
	}

	broker := payment.NewBroker(st, proc)
	controller := capacity.NewController(st)
	sched := scheduler.New(st, broker, notifier, 1*time.Minute)
	svc := service.NewParticipationService(st, broker, controller, proc, notifier, sched)
	participationHandler := handler.NewParticipationHandler(svc)

	verifier := webhook.NewStripeVerifier(mustEnv("STRIPE_WEBHOOK_SECRET"))
	reconciler := webhook.NewReconciler(st, controller, notifier, verifier)

	// ── 3. Background scheduler ──────────────────────────────────────────
	go sched.Run(ctx)

	// ── 4. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(handler.Logger)          // structured access log
	r.Use(handler.CORS)            // permissive CORS for browser clients

	// Health
	r.Get("/health", handler.HealthCheck)

	// API routes
	r.Route("/events", func(r chi.Router) {
		r.Post("/", participationHandler.CreateEvent)
		r.Get("/", participationHandler.ListEvents)
		r.Get("/{id}", participationHandler.GetEvent)
		r.Post("/{id}/register", participationHandler.Register)
		r.Get("/{id}/participations", participationHandler.ListParticipations)
	})
	r.Route("/participations", func(r chi.Router) {
		r.Get("/{id}", participationHandler.GetParticipation)
		r.Get("/{id}/payment-intent", participationHandler.PaymentIntent)
		r.Post("/{id}/confirm", participationHandler.ConfirmPayment)
		r.Delete("/{id}", participationHandler.Cancel)
		r.Put("/{id}/payment-state", participationHandler.SetPaymentState)
	})

	// Asynchronous processor ingress
	r.Method(http.MethodPost, "/webhooks/stripe", reconciler)

	// ── 5. Start server with graceful shutdown ────────────────────────────
	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Run in background goroutine so we can listen for shutdown signal.
	go func() {
		log.Printf("✓ Server listening on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Block until SIGINT or SIGTERM.
	<-ctx.Done()

	log.Println("shutting down server…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
	log.Println("server stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s is required", key)
	}
	return v
}
