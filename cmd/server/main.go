package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/train-ticket-booking/internal/cache"
	"github.com/iliyamo/train-ticket-booking/internal/clock"
	"github.com/iliyamo/train-ticket-booking/internal/config"
	"github.com/iliyamo/train-ticket-booking/internal/database"
	"github.com/iliyamo/train-ticket-booking/internal/handler"
	"github.com/iliyamo/train-ticket-booking/internal/lock"
	"github.com/iliyamo/train-ticket-booking/internal/middleware"
	"github.com/iliyamo/train-ticket-booking/internal/queue"
	"github.com/iliyamo/train-ticket-booking/internal/repository"
	"github.com/iliyamo/train-ticket-booking/internal/router"
	"github.com/iliyamo/train-ticket-booking/internal/service"
	"github.com/iliyamo/train-ticket-booking/internal/stock"
)

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	log.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	bcfg := config.LoadBookingConfig()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("mysql: connect failed")
	}
	defer db.Close()

	rdb, err := config.NewRedisClient()
	if err != nil {
		log.WithError(err).Fatal("redis: connect failed")
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(reg)

	orders := repository.NewOrderRepo(db)
	tickets := repository.NewTicketRepo(db)
	waitlists := repository.NewWaitlistRepo(db)
	passengers := repository.NewPassengerRepo(db)
	inventory := repository.NewInventoryRepo(db)
	timetable := repository.NewTimetableRepo(db)

	clk := clock.Real{}
	stockStore := stock.NewStore(rdb)
	orderCache := cache.NewOrders(rdb, bcfg.OrderCacheTTL)
	seats := service.NewRedisSeatAllocator(rdb, bcfg.SeatsPerCarriage)
	publisher := service.NewAMQPPublisher(cfg.RabbitURL, log)
	defer publisher.Close()

	deps := &service.Deps{
		Stock:      stockStore,
		Locks:      lock.New(rdb, log),
		Cache:      orderCache,
		Mappings:   cache.NewMappings(rdb, bcfg.ChangeMappingTTL),
		Numbers:    cache.NewSequence(rdb, clk.Now),
		Orders:     orders,
		Tickets:    tickets,
		Waitlists:  waitlists,
		Passengers: passengers,
		Inventory:  inventory,
		Timetable:  timetable,
		Seats:      seats,
		Conflicts:  service.NewTimeConflictChecker(tickets, timetable),
		Publisher:  publisher,
		Clock:      clk,
		Log:        log,
		Metrics:    metrics,
		Config:     bcfg,
	}
	// The scheduler must exist before the coordinators copy deps, so that
	// every stock release wakes it.
	scheduler := service.NewScheduler(deps)
	deps.Notifier = scheduler
	cancels := service.NewCancel(deps)
	queries := service.NewQueries(deps)

	consumer := &queue.OrderConsumer{
		URL:    cfg.RabbitURL,
		Orders: orders,
		Seats:  seats,
		Stock:  stockStore,
		Cache:  orderCache,
		Log:    log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("order consumer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		cancels.RunExpiry(ctx, bcfg.UnpaidOrderTimeout, bcfg.ExpirySweepInterval)
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	publicLimit := middleware.NewTokenBucket(config.LoadRateLimitConfig(config.ScopePublic), rdb, log)
	bookingLimit := middleware.NewTokenBucket(config.LoadRateLimitConfig(config.ScopeBooking), rdb, log)
	respCache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log)

	router.RegisterRoutes(e, handler.Ready(map[string]handler.Pinger{
		"mysql": db,
		"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, repository.NewUserRepo(db), repository.NewTokenRepo(db), log), cfg.JWTSecret)
	browse := &handler.BrowseHandler{Stock: queries, PassengerRepo: passengers}
	router.RegisterPublic(e, browse, publicLimit, respCache)
	router.RegisterCustomer(e, router.Customer{
		Orders: &handler.OrderHandler{
			Booking: service.NewBooking(deps),
			Payment: service.NewPayment(deps),
			Refunds: service.NewRefund(deps),
			Changes: service.NewChange(deps),
			Cancels: cancels,
			Reads:   queries,
		},
		Waitlists: &handler.WaitlistHandler{Waitlists: service.NewWaitlist(deps), Reads: queries},
		Browse:    browse,
	}, cfg.JWTSecret, bookingLimit)

	go func() {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
}
