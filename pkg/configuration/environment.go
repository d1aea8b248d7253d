package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/esgflow/esgflow-sdk/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

// PlatformOptions locates the data-collection platform backend.
type PlatformOptions struct {
	BaseURL       string        `env:"PLATFORM_BASE_URL" envDefault:"http://localhost:8000"`
	Authorization string        `env:"PLATFORM_AUTHORIZATION"`
	Timeout       time.Duration `env:"PLATFORM_HTTP_TIMEOUT" envDefault:"30s"`
}

func (p *PlatformOptions) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("PLATFORM_BASE_URL must not be empty")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("PLATFORM_HTTP_TIMEOUT must be positive, got %s", p.Timeout)
	}
	return nil
}

// CacheOptions tunes the client-side resolution and version caches.
type CacheOptions struct {
	ResolutionTTL    time.Duration `env:"CACHE_RESOLUTION_TTL" envDefault:"180s"`
	VersionTTL       time.Duration `env:"CACHE_VERSION_TTL" envDefault:"300s"`
	VersionMaxSize   int           `env:"CACHE_VERSION_MAX_SIZE" envDefault:"1000"`
	SweepInterval    time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"60s"`
}

func (c *CacheOptions) Validate() error {
	if c.ResolutionTTL <= 0 || c.VersionTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive (resolution=%s version=%s)", c.ResolutionTTL, c.VersionTTL)
	}
	if c.VersionMaxSize <= 0 {
		return fmt.Errorf("CACHE_VERSION_MAX_SIZE must be positive, got %d", c.VersionMaxSize)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CACHE_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	return nil
}

type Configuration struct {
	Platform PlatformOptions
	Cache    CacheOptions

	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`
	// The SDK sends this header with a random uuidv4 on every request.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Platform.Validate(); err != nil {
		return fmt.Errorf("platform configuration error: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration error: %w", err)
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
