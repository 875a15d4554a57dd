package main // Entry point package

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/pi-funnel/internal/clock"
	"github.com/iliyamo/pi-funnel/internal/config"
	"github.com/iliyamo/pi-funnel/internal/database"
	"github.com/iliyamo/pi-funnel/internal/handler"
	"github.com/iliyamo/pi-funnel/internal/middleware"
	"github.com/iliyamo/pi-funnel/internal/provider"
	"github.com/iliyamo/pi-funnel/internal/queue"
	"github.com/iliyamo/pi-funnel/internal/repository"
	"github.com/iliyamo/pi-funnel/internal/repository/memstore"
	"github.com/iliyamo/pi-funnel/internal/router"
	"github.com/iliyamo/pi-funnel/internal/scheduler"
	"github.com/iliyamo/pi-funnel/internal/service"
)

// stores groups the persistence the services need, whichever backend
// is selected.
type stores struct {
	tx       service.Transactor
	rooms    service.RoomRepository
	payments service.PaymentRepository
	tickets  service.TicketRepository
	payouts  service.PayoutRepository
	users    interface {
		handler.UserStore
		EnsureAdmin(ctx context.Context, email, password string, cost int) (string, bool, error)
	}
	ping func(ctx context.Context) error
}

func openStores(cfg config.Config) (stores, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Printf("store: in-memory, state is lost on restart")
		m := memstore.New()
		return stores{tx: m, rooms: m, payments: m, tickets: m, payouts: m, users: m}, func() {}, nil
	}
	db, err := database.Open(database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		return stores{}, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, nil, err
	}
	return stores{
		tx:       repository.NewTxManager(db),
		rooms:    repository.NewRoomRepo(db),
		payments: repository.NewPaymentRepo(db),
		tickets:  repository.NewTicketRepo(db),
		payouts:  repository.NewPayoutRepo(db),
		users:    repository.NewUserRepo(db),
		ping:     db.PingContext,
	}, func() { _ = db.Close() }, nil
}

func main() {
	_ = godotenv.Load() // optional .env; real env wins

	cfg := config.Load() // Load environment config
	settings, err := config.LoadFunnelSettings()
	if err != nil {
		log.Fatal(err)
	}
	funnel, err := settings.Funnel()
	if err != nil {
		log.Fatal(err)
	}
	schedCfg, err := config.LoadSchedulerConfig()
	if err != nil {
		log.Fatal(err)
	}
	piCfg, err := config.LoadPiConfig()
	if err != nil {
		log.Fatal(err)
	}
	scoringCfg, err := config.LoadScoringConfig()
	if err != nil {
		log.Fatal(err)
	}

	st, closeStores, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStores()

	if cfg.AdminEmail != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, created, err := st.users.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.BcryptCost)
		cancel()
		if err != nil {
			log.Fatalf("ensure admin: %v", err)
		}
		if created {
			log.Printf("created admin account %s (%s)", cfg.AdminEmail, id)
		}
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Printf("redis unavailable, rate limiting and caching disabled")
	} else {
		defer rdb.Close()
	}
	cacheCfg, err := config.LoadCacheConfig()
	if err != nil {
		log.Fatal(err)
	}
	rlCfg, err := config.LoadRateLimitConfig()
	if err != nil {
		log.Fatal(err)
	}

	if piCfg.APIKey == "" {
		log.Printf("PI_API_KEY is empty, provider calls will be rejected")
	}
	pi := provider.NewPiClient(piCfg.APIURL, piCfg.APIKey)

	var scorer service.Scorer
	if scoringCfg.URL != "" {
		scorer = provider.NewScoringClient(scoringCfg.URL)
	}
	var events service.EventPublisher
	if cfg.RabbitURL != "" {
		events = queue.NewPublisher(cfg.RabbitURL)
	}

	clk := clock.NewSystem()
	rooms := service.NewRoomManager(st.tx, st.rooms, funnel, clk, service.RoomOptions{
		StageInterval:    settings.StageInterval,
		PlayWindow:       settings.PlayWindow,
		SeatFillEstimate: settings.SeatFillEstimate,
	}, scorer, events)
	reconciler := service.NewPaymentReconciler(st.tx, st.payments, rooms, pi, clk, settings.PaymentTimeout)
	gateway := service.NewEntryGateway(st.tx, rooms, reconciler, st.payments, st.tickets, clk)
	engine := service.NewAdvancementEngine(st.tx, rooms, st.tickets, st.payouts, events, clk, settings.TicketTTL)

	econ := service.ComputeEconomics(funnel)
	log.Printf("funnel: %d stages, capacity %d, branching %d, revenue %s, payout %s, profit %s",
		funnel.StageCount, funnel.RoomCapacity, funnel.BranchingFactor, econ.TotalRevenue, econ.TotalPayout, econ.Profit)

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Recover())

	funnelH := handler.NewFunnelHandler(gateway, rooms, reconciler)
	funnelH.OnAdmission = func(ctx context.Context) {
		middleware.PurgeRoute(ctx, cacheCfg, rdb, "/funnel/stages")
	}
	router.RegisterRoutes(e, st.ping) // Register application routes
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, st.users), cfg.JWTSecret)
	router.RegisterFunnel(e, funnelH, cfg.JWTSecret,
		middleware.NewTokenBucket(rlCfg, rdb), middleware.NewRedisCache(cacheCfg, rdb))
	router.RegisterAdmin(e, handler.NewAdminFunnelHandler(rooms, engine), cfg.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RabbitURL != "" {
		consumer := &queue.Consumer{
			URL:    cfg.RabbitURL,
			LogDir: cfg.LogDir,
			OnRoomClosed: func(ctx context.Context, slug string) error {
				_, err := engine.ProcessClosure(ctx, slug)
				return err
			},
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("funnel-consumer stopped: %v", err)
			}
		}()
	}

	var sched *scheduler.Scheduler
	if schedCfg.Enabled {
		sched, err = scheduler.New(scheduler.FunnelJobs(schedCfg, rooms, reconciler, engine))
		if err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		sched.Start()
	}

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) { // Start HTTP server
			log.Fatal(err) // Log and exit if server fails
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	if sched != nil {
		if err := sched.Shutdown(); err != nil {
			log.Printf("scheduler shutdown: %v", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
