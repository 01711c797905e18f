package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	convrepo "github.com/xkayo32/pytake-sub001/conversation/repository"
	"github.com/xkayo32/pytake-sub001/core/config"
	coreDB "github.com/xkayo32/pytake-sub001/core/database"
	"github.com/xkayo32/pytake-sub001/dispatcher"
	"github.com/xkayo32/pytake-sub001/flowengine"
	flowrepo "github.com/xkayo32/pytake-sub001/flowengine/repository"
	"github.com/xkayo32/pytake-sub001/inbound"
	"github.com/xkayo32/pytake-sub001/infrastructure/valkey"
	"github.com/xkayo32/pytake-sub001/infrastructure/whatsapp"
	"github.com/xkayo32/pytake-sub001/notify"
	"github.com/xkayo32/pytake-sub001/pkg/crypto"
	"github.com/xkayo32/pytake-sub001/pkg/msgworker"
	"github.com/xkayo32/pytake-sub001/pkg/timeutils"
	"github.com/xkayo32/pytake-sub001/queue"
	"github.com/xkayo32/pytake-sub001/ratelimit"
	tenancyrepo "github.com/xkayo32/pytake-sub001/tenancy/repository"
	"github.com/xkayo32/pytake-sub001/ui/rest"
	"github.com/xkayo32/pytake-sub001/ui/rest/middleware"
	"github.com/xkayo32/pytake-sub001/watchdog"
	"github.com/xkayo32/pytake-sub001/window"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Run the HTTP API and background workers",
	Run:   restServer,
}

func init() {
	restCmd.Flags().String("evolution-url", "", "Base URL of the Evolution API gateway")
	rootCmd.AddCommand(restCmd)
}

func restServer(cmd *cobra.Command, _ []string) {
	cfg := config.Global
	clock := timeutils.SystemClock{}

	// Persistence.
	db, err := coreDB.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("database: %v", err)
	}
	ctx := context.Background()
	if err := tenancyrepo.Migrate(ctx, db); err != nil {
		logrus.Fatalf("tenancy migration: %v", err)
	}
	if err := convrepo.Migrate(ctx, db); err != nil {
		logrus.Fatalf("conversation migration: %v", err)
	}

	flowRepository := flowrepo.NewFlowGormRepository(db)
	if err := flowRepository.Init(ctx); err != nil {
		logrus.Fatalf("flow migration: %v", err)
	}

	credCipher, err := crypto.New(cfg.Security.CredentialsKey)
	if err != nil {
		logrus.Fatalf("credentials cipher: %v", err)
	}
	if credCipher == nil {
		logrus.Warn("[TENANCY] CREDENTIALS_ENCRYPTION_KEY not set, provider credentials stored unencrypted")
	}

	orgRepo := tenancyrepo.NewOrganizationGormRepository(db)
	numberRepo := tenancyrepo.NewNumberGormRepository(db, credCipher)
	contactRepo := convrepo.NewContactGormRepository(db)
	convRepo := convrepo.NewConversationGormRepository(db)
	windowRepo := convrepo.NewWindowGormRepository(db)
	messageRepo := convrepo.NewMessageGormRepository(db)
	auditRepo := convrepo.NewAdminActionGormRepository(db)

	// Ephemeral store.
	vk, err := valkey.NewClient(cfg.Valkey)
	if err != nil {
		logrus.Fatalf("valkey: %v", err)
	}
	defer vk.Close()

	// Worker pool shared by inbound processing and outbound dispatch.
	pool := msgworker.NewPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize)
	poolCtx, poolCancel := context.WithCancel(ctx)
	pool.Start(poolCtx)

	// Channel adapters.
	evolutionURL, _ := cmd.Flags().GetString("evolution-url")
	if evolutionURL == "" {
		evolutionURL = os.Getenv("EVOLUTION_API_URL")
	}
	adapters := &whatsapp.AdapterResolver{
		Official: whatsapp.NewCloudAPIClient(),
		QRCode:   whatsapp.NewEvolutionClient(evolutionURL),
	}

	// Core engines.
	windowEngine := window.NewEngine(windowRepo, convRepo, auditRepo, cfg.Window, clock)
	limiter := ratelimit.NewLimiter(ratelimit.NewValkeyStore(vk), cfg.RateLimit, clock)
	notifier := notify.NewPublisher(vk)
	queues := queue.NewManager(vk, notifier)

	disp := dispatcher.New(messageRepo, convRepo, contactRepo, numberRepo, windowEngine, limiter, adapters, pool, clock, cfg.Retry, cfg.RateLimit)
	engine := flowengine.NewEngine(flowRepository, convRepo, disp, queues, nil)
	processor := inbound.NewProcessor(numberRepo, contactRepo, convRepo, messageRepo, flowRepository, engine, windowEngine, disp, vk, pool, notifier, clock)
	dog := watchdog.New(convRepo, flowRepository, windowEngine, engine, disp, queues, vk, clock, cfg.Watchdog)

	// Background loops.
	go disp.RunScheduler(poolCtx, 15*time.Second)
	go dog.Run(poolCtx)

	// HTTP surface.
	app := fiber.New(fiber.Config{
		AppName:               "PyTake Core Runtime",
		DisableStartupMessage: false,
		ServerHeader:          "Hidden",
		Network:               "tcp",
	})

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Hub-Signature-256",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New())
	if cfg.App.Debug {
		app.Use(logger.New())
	}

	api := app.Group(cfg.App.BasePath)

	// Unauthenticated surface: webhooks, health, metrics.
	rest.InitRestWebhook(api, processor, cfg.Security.WebhookVerifyToken)
	rest.InitRestHealth(api, db, vk)
	api.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Tenant surface.
	authed := api.Group("/api", middleware.Auth(cfg.Security.JWTSecret))
	rest.InitRestMessage(authed, disp, convRepo, numberRepo, limiter)
	rest.InitRestNumber(authed, numberRepo)
	rest.InitRestOrganization(authed, orgRepo)
	rest.InitRestWindow(authed, windowEngine)
	rest.InitRestFlow(authed, flowRepository)
	rest.InitRestQueue(authed, queues)
	rest.InitRestWorkerPool(authed, pool)

	// Graceful shutdown.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logrus.Info("shutting down")
		poolCancel()
		pool.Stop()
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Fatalf("http server: %v", err)
	}
}
