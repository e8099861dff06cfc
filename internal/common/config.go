package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Preproc  PreprocConfig
	Extract  ExtractConfig
	Sunat    SunatConfig
	Storage  StorageConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the batch archive database configuration
type DatabaseConfig struct {
	DSN          string
	MaxConns     int
	MaxLifetime  time.Duration
	QueryTimeout time.Duration
}

// PreprocConfig holds image normalization and rasterization configuration
type PreprocConfig struct {
	Tesseract   string // binary name or absolute path; if empty -> "tesseract"
	Pdftoppm    string // binary name or absolute path; if empty -> "pdftoppm"
	TessdataDir string
	RasterDPI   int
	MaxSide     int
}

// ExtractConfig holds vision field-extractor configuration
type ExtractConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// SunatConfig holds SUNAT validarcomprobante configuration
type SunatConfig struct {
	ClientID       string
	ClientSecret   string
	RucConsultante string
	BaseURL        string
	TokenURL       string
	Timeout        time.Duration
}

// StorageConfig holds the upload artifact store configuration
type StorageConfig struct {
	BasePath string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			MaxUploadBytes:  getEnvAsInt64("MAX_UPLOAD_BYTES", 32<<20),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			DSN:          getEnv("DB_URL", ""),
			MaxConns:     getEnvAsInt("DB_MAX_CONNS", 10),
			MaxLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			QueryTimeout: getEnvAsDuration("DB_QUERY_TIMEOUT", 5*time.Second),
		},
		Preproc: PreprocConfig{
			Tesseract:   getEnv("TESSERACT_BIN", "tesseract"),
			Pdftoppm:    getEnv("PDFTOPPM_BIN", "pdftoppm"),
			TessdataDir: getEnv("TESSDATA_PREFIX", ""),
			RasterDPI:   getEnvAsInt("RASTER_DPI", 200),
			MaxSide:     getEnvAsInt("IMAGE_MAX_SIDE", 1800),
		},
		Extract: ExtractConfig{
			BaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			Model:       getEnv("OPENAI_GPT_MODEL_EXTRACT", "gpt-4o-mini"),
			Temperature: getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
		},
		Sunat: SunatConfig{
			ClientID:       getEnv("SUNAT_CLIENT_ID", ""),
			ClientSecret:   getEnv("SUNAT_CLIENT_SECRET", ""),
			RucConsultante: getEnv("SUNAT_RUC_CONSULTANTE", ""),
			BaseURL:        getEnv("SUNAT_BASE_URL", "https://api.sunat.gob.pe"),
			TokenURL:       getEnv("SUNAT_TOKEN_URL", ""),
			Timeout:        getEnvAsDuration("SUNAT_TIMEOUT", 25*time.Second),
		},
		Storage: StorageConfig{
			BasePath: getEnv("ARTIFACT_DIR", "./data/uploads"),
		},
	}
}

// Validate checks the loaded configuration for required values.
func (c *Config) Validate() error {
	if c.Extract.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Sunat.ClientID == "" || c.Sunat.ClientSecret == "" {
		return NewAppError("CONFIG_ERROR", "SUNAT_CLIENT_ID/SUNAT_CLIENT_SECRET are required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
