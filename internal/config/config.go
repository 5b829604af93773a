package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServiceName  = "io.github.pwmd"
	DefaultSysfsRoot    = "/sys/class/pwm"
	DefaultExportSettle = 500 * time.Millisecond
	DefaultCallTimeout  = 5 * time.Second
)

type Config struct {
	DBus  DBusConfig  `yaml:"dbus"`
	Sysfs SysfsConfig `yaml:"sysfs"`
	Web   WebConfig   `yaml:"web"`
	Log   LogConfig   `yaml:"log"`
}

type DBusConfig struct {
	// Bus is "system" or "session".
	Bus         string        `yaml:"bus" validate:"oneof=system session"`
	ServiceName string        `yaml:"service_name" validate:"required,busname"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`
}

type SysfsConfig struct {
	Root         string        `yaml:"root" validate:"required"`
	ExportSettle time.Duration `yaml:"export_settle" validate:"gte=0"`
}

type WebConfig struct {
	// Listen is the diagnostics address. Empty disables the server.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads a YAML config file, applies defaults and validates it.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PWMD_* environment variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("PWMD_BUS"); v != "" {
		cfg.DBus.Bus = v
	}
	if v := getenv("PWMD_DBUS_SERVICE_NAME"); v != "" {
		cfg.DBus.ServiceName = v
	}
	if v := getenv("PWMD_SYSFS_ROOT"); v != "" {
		cfg.Sysfs.Root = v
	}
	if v := getenv("PWMD_WEB_LISTEN"); v != "" {
		cfg.Web.Listen = v
	}
	if v := getenv("PWMD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.DBus.Bus == "" {
		cfg.DBus.Bus = "system"
	}
	if cfg.DBus.ServiceName == "" {
		cfg.DBus.ServiceName = DefaultServiceName
	}
	if cfg.DBus.CallTimeout == 0 {
		cfg.DBus.CallTimeout = DefaultCallTimeout
	}
	if cfg.Sysfs.Root == "" {
		cfg.Sysfs.Root = DefaultSysfsRoot
	}
	if cfg.Sysfs.ExportSettle == 0 {
		cfg.Sysfs.ExportSettle = DefaultExportSettle
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	cfg.DBus.Bus = strings.ToLower(cfg.DBus.Bus)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
}

// DefaultAndValidate fills unset fields and rejects invalid ones. The
// error names the offending key as it appears in the YAML file.
func DefaultAndValidate(cfg *Config) error {
	applyDefaults(cfg)
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	return describe(verrs[0])
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("busname", func(fl validator.FieldLevel) bool {
		return validBusName(fl.Field().String())
	})
	return v
}

// validBusName checks the well-known bus name grammar: two or more
// dot-separated elements of [A-Za-z0-9_-], none starting with a digit,
// at most 255 bytes.
func validBusName(name string) bool {
	if len(name) == 0 || len(name) > 255 {
		return false
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || (p[0] >= '0' && p[0] <= '9') {
			return false
		}
		for _, c := range p {
			ok := c == '_' || c == '-' ||
				(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}

func describe(fe validator.FieldError) error {
	// Namespace is "Config.dbus.bus"; drop the root type.
	key := fe.Namespace()
	if _, rest, ok := strings.Cut(key, "."); ok {
		key = rest
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", key)
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", key, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "hostname_port":
		return fmt.Errorf("%s must be host:port", key)
	case "busname":
		return fmt.Errorf("%s must be a well-known bus name (e.g. %s)", key, DefaultServiceName)
	case "gt":
		return fmt.Errorf("%s must be > %s", key, fe.Param())
	case "gte":
		return fmt.Errorf("%s must be >= %s", key, fe.Param())
	default:
		return fmt.Errorf("%s is invalid (%s)", key, fe.Tag())
	}
}
