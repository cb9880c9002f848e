package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"thephotocrm/models"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	FromEmail  string `json:"from_email"`
	FromName   string `json:"from_name"`
	Encryption string `json:"encryption"`
}

type SMSConfig struct {
	GatewayURL string `json:"gateway_url"`
	APIToken   string `json:"-"`
	From       string `json:"from"`
}

// EngineConfig tunes scheduling and dispatch.
type EngineConfig struct {
	WorkerID            string        `json:"worker_id"`
	SweepInterval       time.Duration `json:"sweep_interval"`
	SweepBatchSize      int           `json:"sweep_batch_size"`
	MaxSendRetries      int           `json:"max_send_retries"`
	RetryBaseDelay      time.Duration `json:"retry_base_delay"`
	RetryMaxDelay       time.Duration `json:"retry_max_delay"`
	StaleClaimAfter     time.Duration `json:"stale_claim_after"`
	SendTimeout         time.Duration `json:"send_timeout"`
	TenantSendRate      float64       `json:"tenant_send_rate"`
	TenantSendBurst     int           `json:"tenant_send_burst"`
	DefaultTimezone     string        `json:"default_timezone"`
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
	TransitionCacheTTL  time.Duration `json:"transition_cache_ttl"`
}

type Config struct {
	Environment     string       `json:"environment"`
	JWTSecret       string       `json:"-"`
	ServerPort      string       `json:"server_port"`
	AllowedOrigins  []string     `json:"allowed_origins"`
	DBHost          string       `json:"db_host"`
	DBPort          string       `json:"db_port"`
	DBUser          string       `json:"db_user"`
	DBPassword      string       `json:"-"`
	DBName          string       `json:"db_name"`
	DBSSLMode       string       `json:"db_ssl_mode"`
	DBMaxIdleConns  int          `json:"db_max_idle_conns"`
	DBMaxOpenConns  int          `json:"db_max_open_conns"`
	SentryDSN       string       `json:"-"`
	IntakeRateLimit int          `json:"intake_rate_limit"`
	DocumentBaseURL string       `json:"document_base_url"`
	Redis           RedisConfig  `json:"redis"`
	SMTP            SMTPConfig   `json:"smtp"`
	SMS             SMSConfig    `json:"sms"`
	Engine          EngineConfig `json:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	hostname, _ := os.Hostname()

	AppConfig = Config{
		Environment:     getEnv("ENVIRONMENT", "development"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		ServerPort:      getEnv("SERVER_PORT", "5000"),
		AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", ""),
		DBName:          getEnv("DB_NAME", "thephotocrm"),
		DBSSLMode:       getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:  getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:  getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		IntakeRateLimit: getEnvAsInt("INTAKE_RATE_LIMIT", 600),
		DocumentBaseURL: getEnv("DOCUMENT_BASE_URL", "http://localhost:3000"),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:       getEnv("SMTP_HOST", ""),
			Port:       getEnvAsInt("SMTP_PORT", 587),
			Username:   getEnv("SMTP_USERNAME", ""),
			Password:   getEnv("SMTP_PASSWORD", ""),
			FromEmail:  getEnv("SMTP_FROM_EMAIL", ""),
			FromName:   getEnv("SMTP_FROM_NAME", ""),
			Encryption: getEnv("SMTP_ENCRYPTION", "STARTTLS"),
		},
		SMS: SMSConfig{
			GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
			APIToken:   getEnv("SMS_API_TOKEN", ""),
			From:       getEnv("SMS_FROM", ""),
		},
		Engine: EngineConfig{
			WorkerID:            getEnv("WORKER_ID", hostname),
			SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			SweepBatchSize:      getEnvAsInt("SWEEP_BATCH_SIZE", 100),
			MaxSendRetries:      getEnvAsInt("MAX_SEND_RETRIES", 3),
			RetryBaseDelay:      getEnvAsDuration("RETRY_BASE_DELAY", time.Minute),
			RetryMaxDelay:       getEnvAsDuration("RETRY_MAX_DELAY", time.Hour),
			StaleClaimAfter:     getEnvAsDuration("STALE_CLAIM_AFTER", 10*time.Minute),
			SendTimeout:         getEnvAsDuration("SEND_TIMEOUT", 30*time.Second),
			TenantSendRate:      getEnvAsFloat("TENANT_SEND_RATE", 5),
			TenantSendBurst:     getEnvAsInt("TENANT_SEND_BURST", 20),
			DefaultTimezone:     getEnv("DEFAULT_TIMEZONE", "UTC"),
			MaintenanceInterval: getEnvAsDuration("MAINTENANCE_INTERVAL", 5*time.Minute),
			TransitionCacheTTL:  getEnvAsDuration("TRANSITION_CACHE_TTL", 24*time.Hour),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if err := AppConfig.Engine.Validate(); err != nil {
		return err
	}
	if AppConfig.Environment == "production" && AppConfig.SMTP.Host == "" {
		return fmt.Errorf("SMTP_HOST is required in production")
	}

	logConfig()
	return nil
}

// Validate rejects tunables the dispatcher cannot run with.
func (e EngineConfig) Validate() error {
	if e.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if e.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if e.MaxSendRetries <= 0 {
		return fmt.Errorf("MAX_SEND_RETRIES must be positive")
	}
	if e.RetryBaseDelay <= 0 || e.RetryMaxDelay < e.RetryBaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and not above RETRY_MAX_DELAY")
	}
	if e.SendTimeout <= 0 || e.StaleClaimAfter <= e.SendTimeout {
		return fmt.Errorf("STALE_CLAIM_AFTER must be longer than SEND_TIMEOUT")
	}
	if e.TenantSendRate < 0 {
		return fmt.Errorf("TENANT_SEND_RATE must not be negative")
	}
	if _, err := time.LoadLocation(e.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}
	return nil
}

// DefaultLocation is the timezone used for tenants without one.
func (e EngineConfig) DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(e.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Info("Using connection string")

	gormLogger := logger.Default.LogMode(logger.Warn)
	if AppConfig.Environment == "development" {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

// ConnectRedis opens the shared Redis client when REDIS_ENABLED is set.
func ConnectRedis() error {
	if !AppConfig.Redis.Enabled {
		return nil
	}
	Redis = redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	logrus.WithField("address", AppConfig.Redis.Address).Info("Connected to Redis")
	return nil
}

// InitSentry configures error reporting. Without a DSN events are dropped.
func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              AppConfig.SentryDSN,
		Environment:      AppConfig.Environment,
		ServerName:       AppConfig.Engine.WorkerID,
		AttachStacktrace: true,
	})
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":    AppConfig.Environment,
		"server_port":    AppConfig.ServerPort,
		"database":       fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":          AppConfig.Redis.Enabled,
		"smtp":           AppConfig.SMTP.Host != "",
		"sms":            AppConfig.SMS.GatewayURL != "",
		"worker_id":      AppConfig.Engine.WorkerID,
		"sweep_interval": AppConfig.Engine.SweepInterval.String(),
		"max_retries":    AppConfig.Engine.MaxSendRetries,
	}).Info("Loaded configuration")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(models.All()...)
}
