// Package config loads process-wide settings for miniublk. Values come from
// an optional TOML file and are overridden by environment variables. The
// result is passed explicitly to whatever needs it; there is no global copy.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ehrlich-b/miniublk/internal/logging"
)

const (
	// DefaultPath does not need to exist; defaults apply when it is missing.
	DefaultPath = "/etc/miniublk/config.toml"

	// PathEnv names the environment variable that overrides DefaultPath.
	PathEnv = "MINIUBLK_CONFIG"
)

// Settings holds everything that is not a per-device parameter.
type Settings struct {
	Log struct {
		Level     string `toml:"level" env:"MINIUBLK_LOG_LEVEL" env-default:"info" env-description:"Log level: debug, info, warn or error."`
		Format    string `toml:"format" env:"MINIUBLK_LOG_FORMAT" env-default:"text" env-description:"Log format: text or json."`
		DebugMask string `toml:"debug_mask" env:"MINIUBLK_DEBUG_MASK" env-default:"0" env-description:"Hex mask of debug categories: 1 dev, 2 queue, 4 io_cmd, 8 io, 0x10 ctrl_cmd."`
	} `toml:"log"`

	ControlPath  string `toml:"control_path" env:"MINIUBLK_CONTROL_PATH" env-default:"/dev/ublk-control" env-description:"ublk control device."`
	CharPrefix   string `toml:"char_prefix" env:"MINIUBLK_CHAR_PREFIX" env-default:"/dev/ublkc" env-description:"Prefix of per-device character nodes."`
	IdleTimeoutS int    `toml:"idle_timeout" env:"MINIUBLK_IDLE_TIMEOUT" env-default:"20" env-description:"Seconds a queue must be quiet before releasing its buffer pages."`

	Delete struct {
		PollMs  int `toml:"poll_interval" env:"MINIUBLK_DELETE_POLL" env-default:"500" env-description:"Interval in ms between checks that a stopped daemon exited."`
		Retries int `toml:"retries" env:"MINIUBLK_DELETE_RETRIES" env-default:"6" env-description:"Number of daemon exit checks before delete gives up."`
	} `toml:"delete"`
}

// Load reads path (or $MINIUBLK_CONFIG, or DefaultPath when path is empty)
// and the environment. A missing file is not an error.
func Load(path string) (Settings, error) {
	var s Settings
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path == "" {
		path = DefaultPath
	}

	if err := cleanenv.ReadConfig(path, &s); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return s, fmt.Errorf("config %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(&s); err != nil {
			return s, fmt.Errorf("config from environment: %w", err)
		}
	}
	return s, s.validate()
}

// Default returns the built-in settings, the env-default values of
// Settings, without consulting the environment.
func Default() Settings {
	var s Settings
	if err := setDefaults(reflect.ValueOf(&s).Elem()); err != nil {
		panic(err)
	}
	return s
}

// setDefaults fills every field carrying an env-default tag, the way
// cleanenv does when the variable is unset.
func setDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field, value := t.Field(i), v.Field(i)
		if field.Type.Kind() == reflect.Struct {
			if err := setDefaults(value); err != nil {
				return err
			}
			continue
		}
		def, ok := field.Tag.Lookup("env-default")
		if !ok {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			value.SetString(def)
		case reflect.Int:
			n, err := strconv.Atoi(def)
			if err != nil {
				return fmt.Errorf("default of %s: %w", field.Name, err)
			}
			value.SetInt(int64(n))
		default:
			return fmt.Errorf("default of %s: unsupported kind %s", field.Name, field.Type.Kind())
		}
	}
	return nil
}

func (s *Settings) validate() error {
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		return err
	}
	if _, err := ParseDebugMask(s.Log.DebugMask); err != nil {
		return err
	}
	if s.IdleTimeoutS <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %d", s.IdleTimeoutS)
	}
	if s.Delete.PollMs <= 0 || s.Delete.Retries <= 0 {
		return fmt.Errorf("delete poll interval and retries must be positive")
	}
	return nil
}

// IdleTimeout returns the queue idle timeout.
func (s Settings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutS) * time.Second
}

// DeletePoll returns the daemon exit polling interval.
func (s Settings) DeletePoll() time.Duration {
	return time.Duration(s.Delete.PollMs) * time.Millisecond
}

// ParseDebugMask parses a hex mask with or without a 0x prefix.
func ParseDebugMask(s string) (logging.Category, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad debug mask %q: %w", s, err)
	}
	return logging.Category(v), nil
}

// LoggerConfig turns the log section into a logging.Config writing to out.
func (s Settings) LoggerConfig(out io.Writer) *logging.Config {
	level, _ := logging.ParseLevel(s.Log.Level)
	mask, _ := ParseDebugMask(s.Log.DebugMask)
	return &logging.Config{
		Level:     level,
		Format:    s.Log.Format,
		Output:    out,
		DebugMask: mask,
	}
}

// Usage writes the environment variable table.
func Usage(w io.Writer) {
	var s Settings
	header := "Environment variables:"
	cleanenv.FUsage(w, &s, &header)()
}
