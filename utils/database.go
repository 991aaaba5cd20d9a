package utils

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/khiemtt31/raise-me-beos/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDatabase 初始化Postgres连接并返回*gorm.DB
func InitDatabase(host, user, password, dbname, sslmode string, port int) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		host, user, password, dbname, port, sslmode)

	// 根据环境调整日志级别
	logLevel := logger.Info
	if os.Getenv("GO_ENV") == "production" {
		logLevel = logger.Error // 生产环境只记录错误
	}

	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			LogLevel: logLevel,
		},
	)

	log.Printf("Attempting to connect to database: %s:%d/%s", host, port, dbname)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newLogger,
		// 统一把驱动层的唯一键冲突翻译成gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		return nil, err
	}

	log.Printf("Database connection successful!")

	// 配置数据库连接池
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("Failed to get database: %v", err)
		return nil, err
	}

	sqlDB.SetMaxIdleConns(15)
	sqlDB.SetMaxOpenConns(120)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	return db, nil
}

// MigrateDatabase 执行数据库迁移
func MigrateDatabase(db *gorm.DB) error {
	log.Println("Starting database migration...")
	if err := db.AutoMigrate(
		&models.Donation{},
		&models.Notification{},
	); err != nil {
		return err
	}
	log.Println("Database migration completed successfully!")
	return nil
}
