package main

import (
	"context"
	"github.com/ariefcatur/go-realtime-tickets/internal/booking"
	"github.com/ariefcatur/go-realtime-tickets/internal/config"
	"github.com/ariefcatur/go-realtime-tickets/internal/idempotency"
	kafkax "github.com/ariefcatur/go-realtime-tickets/internal/kafka"
	"github.com/ariefcatur/go-realtime-tickets/internal/orders"
	"github.com/ariefcatur/go-realtime-tickets/internal/payments"
	"github.com/ariefcatur/go-realtime-tickets/internal/postgres"
	"github.com/ariefcatur/go-realtime-tickets/internal/redisx"
	"github.com/ariefcatur/go-realtime-tickets/internal/telemetry"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"log"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(telemetry.Options{
		ServiceName: cfg.ServiceName + "-payments",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer for order.confirmed / payment.failed
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(context.Background())
	events := &orders.Emitter{Pub: prod, Producer: cfg.ServiceName + "-payments"}

	idem := &idempotency.Ledger{
		Store: &idempotency.PostgresStore{DB: db},
		Cache: &idempotency.RedisCache{RDB: rdb},
		TTL:   cfg.IdempotencyTTL,
		Lease: cfg.IdempotencyLease,
	}
	proc := &payments.Processor{
		DB:      db,
		Idem:    idem,
		Booking: &booking.Service{DB: db, Events: events},
		Events:  events,
		Cache:   &orders.StatusCache{Repo: &orders.Repo{DB: db}, RDB: rdb},
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentsGroup, orders.TopicPaymentWebhooks, cfg.PaymentsWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("payments consumer started: group=%s topic=%s workers=%d", cfg.PaymentsGroup, orders.TopicPaymentWebhooks, cfg.PaymentsWorkers)
		return cons.Start(gctx, proc.HandleMessage)
	})
	g.Go(func() error {
		purgeLoop(gctx, idem, cfg.IdempotencyPurgeInterval, cfg.IdempotencyPurgeBatch)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("payments worker exit: %v", err)
	}
	log.Println("shutting down payments worker...")
	prod.Close()
	prod.WaitClosed()

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(ctx2)
}

// purgeLoop deletes expired idempotency records until ctx is done.
func purgeLoop(ctx context.Context, idem *idempotency.Ledger, every time.Duration, batch int) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		for {
			n, err := idem.PurgeExpired(ctx, batch)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("idempotency purge: %v", err)
				}
				break
			}
			if n > 0 {
				log.Printf("idempotency purge: deleted=%d", n)
			}
			if n < int64(batch) {
				break
			}
		}
	}
}
