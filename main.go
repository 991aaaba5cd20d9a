package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	gzip "github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/khiemtt31/raise-me-beos/routes"
	"github.com/khiemtt31/raise-me-beos/services"
	"github.com/khiemtt31/raise-me-beos/utils"
	"github.com/khiemtt31/raise-me-beos/workers"
)

func main() {
	// .env仅本地开发用，生产环境直接注入环境变量
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment from .env")
	}

	// 获取当前执行文件的目录
	execDir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		log.Fatalf("Failed to get exec dir: %v", err)
	}

	// 优先从当前工作目录加载配置文件
	viper.SetConfigFile("config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		// 如果当前目录找不到，再尝试从执行文件目录查找
		viper.SetConfigFile(filepath.Join(execDir, "config.yaml"))
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
	}

	// 商户密钥走环境变量，不落配置文件
	viper.SetDefault("payos.api_url", "https://api-merchant.payos.vn")
	_ = viper.BindEnv("payos.client_id", "PAYOS_CLIENT_ID")
	_ = viper.BindEnv("payos.api_key", "PAYOS_API_KEY")
	_ = viper.BindEnv("payos.checksum_key", "PAYOS_CHECKSUM_KEY")
	_ = viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")

	// 初始化数据库
	db, err := utils.InitDatabase(
		viper.GetString("postgres.host"),
		viper.GetString("postgres.user"),
		viper.GetString("postgres.password"),
		viper.GetString("postgres.dbname"),
		viper.GetString("postgres.sslmode"),
		viper.GetInt("postgres.port"),
	)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Printf("Database connected successfully")

	if err := utils.MigrateDatabase(db); err != nil {
		log.Fatalf("Database migration failed: %v", err)
	}

	// 组装支付链路：网关客户端 -> 存储 -> 状态总线 -> 支付服务
	gateway := services.NewPayOSClient(services.PayOSConfig{
		ClientID:    viper.GetString("payos.client_id"),
		APIKey:      viper.GetString("payos.api_key"),
		ChecksumKey: viper.GetString("payos.checksum_key"),
		APIURL:      viper.GetString("payos.api_url"),
	})

	store := services.NewDonationStore(db)
	bus := services.NewStatusBus()

	linkExpiry := viper.GetDuration("donation.link_expiry")
	if linkExpiry <= 0 {
		linkExpiry = 30 * time.Minute
	}

	paymentService := services.NewPaymentService(services.PaymentConfig{
		BaseURL:    viper.GetString("donation.base_url"),
		MinAmount:  viper.GetInt64("donation.min_amount"),
		MaxAmount:  viper.GetInt64("donation.max_amount"),
		LinkExpiry: linkExpiry,
	}, gateway, store, bus)

	// 滞留订单对账任务
	reconcileInterval := viper.GetDuration("worker.reconcile_interval")
	if reconcileInterval <= 0 {
		reconcileInterval = 5 * time.Minute
	}
	worker := workers.NewReconciliationWorker(store, gateway, bus, linkExpiry, reconcileInterval)
	if err := worker.Start(); err != nil {
		log.Fatalf("Failed to start reconciliation worker: %v", err)
	}
	defer worker.Stop()

	// 设置 GIN 为生产模式
	gin.SetMode(gin.ReleaseMode)

	// 初始化路由，使用自定义中间件
	router := gin.New()

	// 设置可信代理，消除安全警告
	router.SetTrustedProxies([]string{"127.0.0.1"})

	// 添加必要的中间件
	router.Use(gin.Recovery())

	// 添加gzip压缩中间件
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// CORS：前端域名在配置文件中列出
	corsConfig := cors.DefaultConfig()
	allowOrigins := viper.GetStringSlice("cors.allow_origins")
	if len(allowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "x-payos-signature")
	router.Use(cors.New(corsConfig))

	// 安全头部
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	})

	// 初始化 API 路由
	apiRoutes := routes.NewAPIRoutes(paymentService, store, bus, routes.HistoryConfig{
		DefaultLimit: viper.GetInt("history.default_limit"),
		MaxLimit:     viper.GetInt("history.max_limit"),
	})
	apiRoutes.SetupRoutes(router)

	// 配置 HTTP 服务器
	port := viper.GetInt("server.port")
	addr := fmt.Sprintf(":%d", port) // 监听所有网络接口

	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// SSE和WebSocket是长连接，不能设置WriteTimeout
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Server running on http://localhost%s", addr)
	log.Printf("Server mode: %s", gin.Mode())

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}
