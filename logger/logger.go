package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/lmittmann/tint"
)

const fileName = "mq-bridge.log"

// Options описывает вывод логгера.
type Options struct {
	Version string
	Level   string
	// Format: "json" или "text".
	Format string
	// Dir включает запись в файл с ежедневной ротацией. Пустое значение
	// означает вывод в Output.
	Dir    string
	MaxAge time.Duration
	// Output по умолчанию os.Stdout.
	Output io.Writer
}

// New создает и настраивает экземпляр логгера slog. Возвращаемый io.Closer
// закрывает файл журнала и должен вызываться при завершении процесса.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	var closer io.Closer = nopCloser{}

	if opts.Dir != "" {
		// Создаем директорию, если она не существует
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, err
		}

		rotateOpts := []rotatelogs.Option{
			rotatelogs.WithLinkName(filepath.Join(opts.Dir, fileName)),
			rotatelogs.WithRotationTime(24 * time.Hour),
		}
		if opts.MaxAge > 0 {
			rotateOpts = append(rotateOpts, rotatelogs.WithMaxAge(opts.MaxAge))
		}
		rl, err := rotatelogs.New(filepath.Join(opts.Dir, fileName+".%Y%m%d"), rotateOpts...)
		if err != nil {
			return nil, nil, err
		}
		out, closer = rl, rl
	}

	level := ParseLevel(opts.Level)

	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "text":
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
			NoColor:    opts.Dir != "",
		})
	default:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level:     level,
			AddSource: true, // Добавлять в лог информацию о файле и строке кода
		})
	}

	// Постоянный атрибут "version"
	logger := slog.New(handler).With("version", opts.Version)
	return logger, closer, nil
}

// ParseLevel переводит имя уровня в slog.Level. Неизвестные значения дают Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
