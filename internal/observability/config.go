package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/railhook/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "railhook"
	}
	otlpProtocol := strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	if tracesProtocol := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); tracesProtocol != "" {
		otlpProtocol = strings.ToLower(tracesProtocol)
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          getenv("DEPLOYMENT_ENV", cfg.Environment),
		Version:              getenv("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(getenv("LOG_FORMAT", "json")),
		OtelEnabled:          getenvBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: otlpProtocol,
		OtelSamplingRatio:    getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
	}
}

func (c Config) Debug() bool {
	if strings.ToLower(strings.TrimSpace(c.LogLevel)) == "debug" {
		return true
	}
	return isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
