package main // Entry point package

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/house-lottery/internal/config"
	"github.com/iliyamo/house-lottery/internal/database"
	"github.com/iliyamo/house-lottery/internal/fulfillment"
	"github.com/iliyamo/house-lottery/internal/handler"
	"github.com/iliyamo/house-lottery/internal/inventory"
	"github.com/iliyamo/house-lottery/internal/obs"
	"github.com/iliyamo/house-lottery/internal/payment"
	"github.com/iliyamo/house-lottery/internal/queue"
	"github.com/iliyamo/house-lottery/internal/repository"
	"github.com/iliyamo/house-lottery/internal/router"
	"github.com/iliyamo/house-lottery/internal/utils"
)

func main() {
	mint := flag.String("mint-token", "", "print a SERVICE token for the named caller and exit")
	mintTTL := flag.Duration("mint-ttl", 24*time.Hour, "lifetime of a minted token")
	flag.Parse()

	_ = godotenv.Load() // .env is optional; real env vars win

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := obs.NewLogger(cfg.LogLevel, cfg.IsProduction())

	if *mint != "" {
		tok, err := utils.NewServiceToken(cfg.JWTSecret, *mint, *mintTTL)
		if err != nil {
			log.WithError(err).Fatal("could not mint token")
		}
		fmt.Println(tok.Token)
		return
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.OTLPEndpoint, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if cfg.DBAutoMigrate {
		if err := database.MigrateSchema(ctx, db); err != nil {
			return err
		}
		log.Info("schema migrated")
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.WithField("addr", cfg.Redis.Address()).Warn("redis unavailable; ticket numbers fall back to the database and rate limiting is off")
	} else {
		defer rdb.Close()
	}
	rl, err := config.LoadRateLimitConfig()
	if err != nil {
		return err
	}

	store := repository.NewStore(db)
	inv := inventory.NewManager(rdb, log)
	payments := payment.NewClient(cfg.Payment, log).WithLatency(metrics.PaymentLatency)
	allocator := fulfillment.NewAllocator(fulfillment.NewFallbackSequence(inv, metrics, log), inv, nil, nil, log)

	var events fulfillment.EventPublisher
	if cfg.AMQP.Enabled {
		pub, err := queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.WithError(err).Warn("event publisher unavailable; outcome events are not published")
		} else {
			defer pub.Close()
			events = pub
		}
	}

	sagaStore := fulfillment.SQLStore(store)
	coordinator := fulfillment.NewCoordinator(fulfillment.Deps{
		Store:     sagaStore,
		Payments:  payments,
		Inventory: inv,
		Allocator: allocator,
		Events:    events,
		Metrics:   metrics,
		Log:       log,
	})
	sweeper := fulfillment.NewSweeper(sagaStore, inv, events, metrics, cfg.Sweep.Batch, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger(log))
	ready := map[string]handler.Pinger{"mysql": store}
	if rdb != nil {
		ready["redis"] = redisPinger{rdb}
	}
	router.RegisterRoutes(e, reg, ready)
	router.RegisterInternal(e, handler.NewReservationHandler(coordinator, sagaStore), handler.NewInventoryHandler(inv), cfg.JWTSecret, rl, rdb)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithField("addr", addr).WithField("env", cfg.Env).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return sweeper.Run(gctx, cfg.Sweep.Interval) })
	if cfg.AMQP.Enabled {
		consumer := queue.NewConsumer(queue.ConsumerConfig{
			URL:      cfg.AMQP.URL,
			Queue:    cfg.AMQP.Queue,
			Prefetch: cfg.AMQP.Prefetch,
		}, coordinator, log)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// requestLogger stores a request-scoped logger in the request context and
// logs one line per request.
func requestLogger(log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			l := log.WithField("request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			req := c.Request()
			c.SetRequest(req.WithContext(obs.ToContext(req.Context(), l)))
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			l.WithFields(logrus.Fields{
				"method":   req.Method,
				"path":     c.Path(),
				"status":   c.Response().Status,
				"duration": time.Since(start).String(),
			}).Info("request")
			return nil
		}
	}
}
