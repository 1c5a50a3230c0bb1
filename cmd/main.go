package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/checkout"
	"github.com/PlebeianApp/market-sub007/internal/events"
	"github.com/PlebeianApp/market-sub007/internal/handler"
	"github.com/PlebeianApp/market-sub007/internal/reducer"
	"github.com/PlebeianApp/market-sub007/internal/relay"
	"github.com/PlebeianApp/market-sub007/internal/repository"
	"github.com/PlebeianApp/market-sub007/internal/service"
	"github.com/PlebeianApp/market-sub007/internal/store"
	"github.com/PlebeianApp/market-sub007/pkg/config"
	"github.com/PlebeianApp/market-sub007/pkg/middleware"
	pkgtls "github.com/PlebeianApp/market-sub007/pkg/tls"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	tlsConfig := &pkgtls.TLSConfig{}
	if err := envconfig.Process("", tlsConfig); err != nil {
		logger.Fatal("Failed to load TLS config", zap.Error(err))
	}

	logger.Info("Service configuration",
		zap.String("port", cfg.Port),
		zap.Strings("relays", cfg.RelayList()),
		zap.Strings("kafka_brokers", cfg.BrokerList()),
		zap.Bool("tls_enabled", tlsConfig.Enabled))

	// Message store transports: every configured relay plus the optional
	// kafka mirror, all behind one deduplicating client.
	var transports []store.Transport
	for _, u := range cfg.RelayList() {
		transports = append(transports, relay.New(u, logger))
	}
	if len(cfg.BrokerList()) > 0 {
		transports = append(transports, events.NewKafkaLog(cfg.KafkaBrokers, cfg.KafkaTopic, logger))
	}
	if len(transports) == 0 {
		logger.Fatal("No transports configured, set RELAY_URLS or KAFKA_BROKERS")
	}
	client := store.NewClient(logger, transports)
	defer client.Close()

	signer, err := events.NewLocalSigner(cfg.SignerPubkey, []byte(cfg.SignerSecret))
	if err != nil {
		logger.Fatal("Failed to initialize signer", zap.Error(err))
	}

	dynamoClient, err := repository.NewDynamoDBClient(cfg)
	if err != nil {
		log.Fatal("Failed to create DynamoDB client:", err)
	}
	snapshots := repository.NewSnapshotRepository(dynamoClient, cfg.SnapshotTableName)

	publisher := events.NewPublisher(client, signer, logger)
	monitor := checkout.NewMonitor(client, logger)
	requester := checkout.NewLNURLRequester(logger)
	strategy := checkout.NewRESTWalletStrategy(cfg.WalletEndpoint, cfg.WalletAPIKey, logger)

	orderService := service.NewOrderService(client, reducer.New(nil, logger),
		publisher, monitor, requester, snapshots, logger)
	orderHandler := handler.NewOrderHandler(orderService, logger)
	checkoutHandler := handler.NewCheckoutHandler(orderService, strategy, logger)
	defer checkoutHandler.Shutdown()

	// Setup Gin Router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.RequestID())

	// Routes
	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", orderHandler.CreateOrder)
		v1.GET("/orders/:id", orderHandler.GetOrder)
		v1.POST("/orders/:id/status", orderHandler.UpdateStatus)
		v1.POST("/orders/:id/shipping", orderHandler.UpdateShipping)

		v1.POST("/orders/:id/checkout", checkoutHandler.StartCheckout)
		v1.GET("/orders/:id/checkout", checkoutHandler.GetCheckout)
		v1.DELETE("/orders/:id/checkout", checkoutHandler.CancelCheckout)
		v1.POST("/orders/:id/checkout/advance", checkoutHandler.Advance)
		v1.POST("/orders/:id/checkout/pay-all", checkoutHandler.PayAll)
		v1.POST("/orders/:id/checkout/invoices/:invoiceId/pay", checkoutHandler.PayInvoice)
		v1.POST("/orders/:id/checkout/invoices/:invoiceId/skip", checkoutHandler.SkipInvoice)

		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":     "healthy",
				"service":    "market-core",
				"port":       cfg.Port,
				"transports": len(transports),
				"tls":        tlsConfig.Enabled,
			})
		})
	}

	var wg sync.WaitGroup
	servers := []*http.Server{}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	servers = append(servers, httpServer)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// mTLS server for service-to-service traffic
	if os.Getenv("INTERNAL_TLS_ENABLED") == "true" {
		tlsCfg, err := pkgtls.LoadTLSConfig(tlsConfig, logger)
		if err != nil {
			logger.Error("Failed to load TLS config", zap.Error(err))
		} else {
			httpsServer := &http.Server{
				Addr:      ":8443",
				Handler:   router,
				TLSConfig: tlsCfg,
			}
			servers = append(servers, httpsServer)

			wg.Add(1)
			go func() {
				defer wg.Done()
				logger.Info("Starting mTLS server for internal communication", zap.String("port", "8443"))
				if err := httpsServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
					logger.Error("mTLS server failed", zap.Error(err))
				}
			}()

			go pkgtls.WatchCertificates(tlsConfig, func(newCfg *tls.Config) error {
				httpsServer.TLSConfig = newCfg
				logger.Info("TLS configuration reloaded")
				return nil
			}, logger)
		}
	}

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown failed", zap.Error(err))
		}
	}

	wg.Wait()
	logger.Info("All servers stopped")
}
