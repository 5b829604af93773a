package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "{}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBus.Bus != "system" {
		t.Fatalf("bus=%q want system", cfg.DBus.Bus)
	}
	if cfg.DBus.ServiceName != DefaultServiceName {
		t.Fatalf("service_name=%q want %q", cfg.DBus.ServiceName, DefaultServiceName)
	}
	if cfg.Sysfs.Root != "/sys/class/pwm" {
		t.Fatalf("root=%q", cfg.Sysfs.Root)
	}
	if cfg.Sysfs.ExportSettle != 500*time.Millisecond {
		t.Fatalf("export_settle=%s want 500ms", cfg.Sysfs.ExportSettle)
	}
	if cfg.Web.Listen != "" {
		t.Fatalf("web.listen=%q want empty (disabled)", cfg.Web.Listen)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("log=%+v", cfg.Log)
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeTempConfig(t, `
dbus:
  bus: Session
  service_name: org.example.Pwm
sysfs:
  root: /tmp/pwm
  export_settle: 2s
web:
  listen: "127.0.0.1:9108"
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DBus.Bus != "session" {
		t.Fatalf("bus=%q want session", cfg.DBus.Bus)
	}
	if cfg.DBus.ServiceName != "org.example.Pwm" || cfg.Sysfs.Root != "/tmp/pwm" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Sysfs.ExportSettle != 2*time.Second {
		t.Fatalf("export_settle=%s want 2s", cfg.Sysfs.ExportSettle)
	}
	if cfg.Web.Listen != "127.0.0.1:9108" {
		t.Fatalf("web.listen=%q", cfg.Web.Listen)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "UnknownBus",
			yaml: "dbus:\n  bus: user\n",
			want: "dbus.bus must be one of: system, session",
		},
		{
			name: "BadServiceName",
			yaml: "dbus:\n  service_name: pwmd\n",
			want: "dbus.service_name must be a well-known bus name (e.g. io.github.pwmd)",
		},
		{
			name: "ServiceNameElementStartsWithDigit",
			yaml: "dbus:\n  service_name: io.3pwm\n",
			want: "dbus.service_name must be a well-known bus name (e.g. io.github.pwmd)",
		},
		{
			name: "NegativeSettle",
			yaml: "sysfs:\n  export_settle: -1s\n",
			want: "sysfs.export_settle must be >= 0",
		},
		{
			name: "NegativeCallTimeout",
			yaml: "dbus:\n  call_timeout: -1s\n",
			want: "dbus.call_timeout must be > 0",
		},
		{
			name: "ListenWithoutPort",
			yaml: "web:\n  listen: localhost\n",
			want: "web.listen must be host:port",
		},
		{
			name: "UnknownLogLevel",
			yaml: "log:\n  level: chatty\n",
			want: "log.level must be one of: debug, info, warn, error",
		},
		{
			name: "UnknownLogFormat",
			yaml: "log:\n  format: xml\n",
			want: "log.format must be one of: text, json",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"PWMD_BUS":               "session",
		"PWMD_DBUS_SERVICE_NAME": "org.example.Pwm",
		"PWMD_SYSFS_ROOT":        "/tmp/fake",
		"PWMD_WEB_LISTEN":        ":9108",
		"PWMD_LOG_LEVEL":         "DEBUG",
	}
	ApplyEnv(&cfg, func(k string) string { return env[k] })
	if err := DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate() error: %v", err)
	}
	if cfg.DBus.Bus != "session" || cfg.DBus.ServiceName != "org.example.Pwm" {
		t.Fatalf("dbus=%+v", cfg.DBus)
	}
	if cfg.Sysfs.Root != "/tmp/fake" || cfg.Web.Listen != ":9108" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level=%q want debug", cfg.Log.Level)
	}
}

func TestApplyEnv_EmptyLeavesValues(t *testing.T) {
	cfg := Default()
	ApplyEnv(&cfg, func(string) string { return "" })
	if cfg != Default() {
		t.Fatalf("cfg changed: %+v", cfg)
	}
}
