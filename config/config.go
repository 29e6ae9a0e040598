package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Политики реакции супервизора на фатальную ошибку одного воркера.
const (
	PolicyIsolate   = "isolate"
	PolicyCancelAll = "cancel-all"
)

var ErrAmbiguousBridge = errors.New("config must contain exactly one of mqBridge or simpleBridge")

// Settings содержит параметры процесса. Значения из файла перекрываются
// переменными окружения с префиксом MQBRIDGE_.
type Settings struct {
	LogLevel       string `json:"logLevel" yaml:"logLevel" split_words:"true"`
	LogFormat      string `json:"logFormat" yaml:"logFormat" split_words:"true"`
	LogDir         string `json:"logDir" yaml:"logDir" split_words:"true"`
	LogMaxAgeHours int    `json:"logMaxAgeHours" yaml:"logMaxAgeHours" split_words:"true"`
	MetricsAddr    string `json:"metricsAddr" yaml:"metricsAddr" split_words:"true"`

	BackoffMinSeconds     int    `json:"backoffMinSeconds" yaml:"backoffMinSeconds" split_words:"true"`
	BackoffMaxSeconds     int    `json:"backoffMaxSeconds" yaml:"backoffMaxSeconds" split_words:"true"`
	ReceiveWaitMinSeconds int    `json:"receiveWaitMinSeconds" yaml:"receiveWaitMinSeconds" split_words:"true"`
	ReceiveWaitMaxSeconds int    `json:"receiveWaitMaxSeconds" yaml:"receiveWaitMaxSeconds" split_words:"true"`
	FailurePolicy         string `json:"failurePolicy" yaml:"failurePolicy" split_words:"true"`
	ShutdownTimeout       int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds" envconfig:"SHUTDOWN_TIMEOUT_SECONDS"`

	DataDir          string `json:"dataDir" yaml:"dataDir" split_words:"true"`
	StatusSchedule   string `json:"statusSchedule" yaml:"statusSchedule" split_words:"true"`
	DefaultTransport string `json:"defaultTransport" yaml:"defaultTransport" split_words:"true"`
	// DeclareQueues создаёт отсутствующие очереди AMQP вместо ошибки открытия.
	DeclareQueues bool `json:"declareQueues" yaml:"declareQueues" split_words:"true"`
}

// Config представляет структуру файла конфигурации.
type Config struct {
	Settings `yaml:",inline"`

	MQBridge     *BridgeConfig `json:"mqBridge,omitempty" yaml:"mqBridge,omitempty"`
	SimpleBridge *SimpleConfig `json:"simpleBridge,omitempty" yaml:"simpleBridge,omitempty"`
}

// DefaultSettings возвращает значения по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		LogLevel:              "info",
		LogFormat:             "json",
		LogMaxAgeHours:        168,
		MetricsAddr:           ":8080",
		BackoffMinSeconds:     5,
		BackoffMaxSeconds:     1800,
		ReceiveWaitMinSeconds: 30,
		ReceiveWaitMaxSeconds: 60,
		FailurePolicy:         PolicyIsolate,
		ShutdownTimeout:       30,
		DataDir:               "data",
		StatusSchedule:        "@every 1m",
		DefaultTransport:      TransportAMQP,
	}
}

// Load загружает конфигурацию из указанного файла. Формат выбирается по
// расширению: .yaml и .yml читаются как YAML, всё остальное как JSON.
func Load(filePath string) (*Config, error) {
	cfg := &Config{Settings: DefaultSettings()}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := decode(filePath, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	if err := envconfig.Process("mqbridge", &cfg.Settings); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(filePath string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Bridge возвращает каноническую конфигурацию моста, разворачивая
// упрощённую форму при необходимости.
func (c *Config) Bridge() (*BridgeConfig, error) {
	switch {
	case c.MQBridge != nil && c.SimpleBridge != nil:
		return nil, ErrAmbiguousBridge
	case c.SimpleBridge != nil:
		return c.SimpleBridge.Expand(), nil
	case c.MQBridge != nil:
		return c.MQBridge, nil
	default:
		return &BridgeConfig{}, nil
	}
}

// Validate проверяет параметры процесса.
func (s Settings) Validate() error {
	if s.BackoffMinSeconds <= 0 || s.BackoffMaxSeconds < s.BackoffMinSeconds {
		return fmt.Errorf("invalid backoff bounds %d..%d", s.BackoffMinSeconds, s.BackoffMaxSeconds)
	}
	if s.ReceiveWaitMinSeconds <= 0 || s.ReceiveWaitMaxSeconds < s.ReceiveWaitMinSeconds {
		return fmt.Errorf("invalid receive wait bounds %d..%d", s.ReceiveWaitMinSeconds, s.ReceiveWaitMaxSeconds)
	}
	switch s.FailurePolicy {
	case PolicyIsolate, PolicyCancelAll:
	default:
		return fmt.Errorf("unknown failure policy %q", s.FailurePolicy)
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", s.LogFormat)
	}
	if !knownTransport(s.DefaultTransport) {
		return fmt.Errorf("%w: default transport %q", ErrUnknownTransport, s.DefaultTransport)
	}
	return nil
}

// ReceiveWait возвращает границы случайного ожидания при получении сообщения.
func (s Settings) ReceiveWait() (time.Duration, time.Duration) {
	return time.Duration(s.ReceiveWaitMinSeconds) * time.Second,
		time.Duration(s.ReceiveWaitMaxSeconds) * time.Second
}

func (s Settings) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}
