package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pwmd/internal/config"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pwmd",
		Short: "pwmd exposes the kernel PWM sysfs interface on D-Bus",
		Long: `pwmd lets unprivileged clients export, configure and enable PWM
channels through a D-Bus service while the daemon serializes every write
to /sys/class/pwm.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, os.Getenv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "Path to YAML config (optional)")
	f.String("bus", "", "Message bus to serve on: system or session")
	f.String("dbus-service-name", "", "Well-known bus name to claim (default "+config.DefaultServiceName+")")
	f.String("sysfs-root", "", "PWM class directory (default "+config.DefaultSysfsRoot+")")
	f.String("web-listen", "", "Diagnostics listen address, e.g. 127.0.0.1:9108 (empty disables)")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	return cmd
}

// resolveConfig layers defaults, the config file, PWMD_* environment
// variables and explicitly set flags, in that order.
func resolveConfig(cmd *cobra.Command, getenv func(string) string) (config.Config, error) {
	f := cmd.Flags()
	cfg := config.Default()
	if path, _ := f.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("config load failed: %w", err)
		}
		cfg = loaded
	}

	config.ApplyEnv(&cfg, getenv)

	overrides := map[string]*string{
		"bus":               &cfg.DBus.Bus,
		"dbus-service-name": &cfg.DBus.ServiceName,
		"sysfs-root":        &cfg.Sysfs.Root,
		"web-listen":        &cfg.Web.Listen,
		"log-level":         &cfg.Log.Level,
	}
	for name, dst := range overrides {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}

	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pwmd:", err)
		os.Exit(1)
	}
}
