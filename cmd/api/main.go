package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/config"
	"github.com/ariefcatur/go-realtime-tickets/internal/credential"
	"github.com/ariefcatur/go-realtime-tickets/internal/httpx"
	"github.com/ariefcatur/go-realtime-tickets/internal/idempotency"
	"github.com/ariefcatur/go-realtime-tickets/internal/inventory"
	kafkax "github.com/ariefcatur/go-realtime-tickets/internal/kafka"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/payments"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/ariefcatur/go-realtime-tickets/internal/purchase"
	"github.com/ariefcatur/go-realtime-tickets/internal/redisx"
	"github.com/ariefcatur/go-realtime-tickets/internal/saga"
	"github.com/ariefcatur/go-realtime-tickets/internal/scan"
	"github.com/ariefcatur/go-realtime-tickets/internal/telemetry"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := telemetry.Setup(telemetry.Options{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer, shared by every domain topic
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(ctx)
	events := &orders.Emitter{Pub: prod, Producer: cfg.ServiceName}

	// Engine
	signer := credential.NewSigner(cfg.CredentialSecret, cfg.ServiceName)
	ledger := &inventory.Ledger{DB: db}
	bookings := &booking.Service{DB: db, Events: events}
	guard := &scan.Guard{DB: db, Events: events}
	statusCache := &orders.StatusCache{Repo: &orders.Repo{DB: db}, RDB: rdb}
	checkout := &purchase.Service{
		Runner:    &saga.Runner{Recorder: &saga.Mirrored{Primary: &saga.PostgresRecorder{DB: db}, RDB: rdb}},
		Inventory: ledger,
		Store:     &purchase.PostgresStore{DB: db},
		Gateway:   payments.NewGateway(cfg.PaymentGatewayURL, cfg.PaymentGatewayKey, cfg.PaymentTimeout),
		Signer:    signer,
		Events:    events,
		Currency:  cfg.PaymentCurrency,
	}
	processor := &payments.Processor{
		DB: db,
		Idem: &idempotency.Ledger{
			Store: &idempotency.PostgresStore{DB: db},
			Cache: &idempotency.RedisCache{RDB: rdb},
			TTL:   cfg.IdempotencyTTL,
			Lease: cfg.IdempotencyLease,
		},
		Booking: bookings,
		Events:  events,
		Cache:   statusCache,
	}

	webhooks := &httpx.WebhookHandler{Processor: processor}
	if cfg.WebhookAsync {
		webhooks.Queue = &orders.Queue{Pub: prod, Producer: cfg.ServiceName}
	}
	router := httpx.NewRouter(
		&httpx.CheckoutHandler{Checkout: checkout, Inventory: ledger, Orders: statusCache},
		&httpx.ScanHandler{
			Verifier: signer,
			Guard:    guard,
			Offline:  &scan.Syncer{Reconciler: guard, Verifier: signer, MaxAttempts: uint(cfg.ScanSyncMaxAttempts)},
		},
		&httpx.BookingHandler{Bookings: bookings},
		webhooks,
	)

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // close inbox: flush and close the writer
	cancel()          // stop producer loop
	prod.WaitClosed() // drain
	_ = shutdownTracing(ctx2)
}
