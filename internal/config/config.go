package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultJWTSecret 仅用于本地开发，非 dev 环境会被 Validate 拒绝。
const DefaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port               string
	Env                string
	DatabaseDSN        string
	RedisURL           string
	JWTSecret          string
	SessionTTLHours    int
	PublicURL          string
	BucketDir          string
	WebDir             string
	AdminUserIDs       []string
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string
	MessagePageSize    int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt 解析正整数，非法或非正数时回落到默认值。
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load 从环境变量读取配置，开发环境下先尝试加载 .env。
func Load() Config {
	_ = godotenv.Load()

	port := getenv("APP_PORT", "8080")
	env := getenv("APP_ENV", "dev")
	// 只有开发环境才回落到本机地址，生产环境必须显式配置 PUBLIC_URL。
	publicURL := os.Getenv("PUBLIC_URL")
	if publicURL == "" && env == "dev" {
		publicURL = "http://localhost:" + port
	}

	return Config{
		Port:               port,
		Env:                env,
		DatabaseDSN:        getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=mappl port=5432 sslmode=disable TimeZone=UTC"),
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTSecret:          getenv("JWT_SECRET", DefaultJWTSecret),
		SessionTTLHours:    getenvInt("SESSION_TTL_HOURS", 24*7),
		PublicURL:          strings.TrimRight(publicURL, "/"),
		BucketDir:          getenv("BUCKET_DIR", "./data/bucket"),
		WebDir:             getenv("WEB_DIR", "./web/dist"),
		AdminUserIDs:       splitList(os.Getenv("ADMIN_USER_IDS")),
		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GitHubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GitHubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		MessagePageSize:    getenvInt("MESSAGE_PAGE_SIZE", 30),
	}
}

// Validate 在启动时校验配置，出错即退出。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed in %s environment", cfg.Env)
	}
	if cfg.Env == "prod" && cfg.PublicURL == "" {
		return errors.New("PUBLIC_URL is required in prod")
	}
	if (cfg.GoogleClientID == "") != (cfg.GoogleClientSecret == "") {
		return errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together")
	}
	if (cfg.GitHubClientID == "") != (cfg.GitHubClientSecret == "") {
		return errors.New("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET must be set together")
	}
	return nil
}

// IsAdmin 判断用户是否在管理员名单中。
func (c Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
