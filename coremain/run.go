package coremain

import (
	"fmt"
	"os"
	"runtime"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pmkol/packetcache/mlog"
)

type serverFlags struct {
	c   string
	dir string
	cpu int
}

var rootCmd = &cobra.Command{
	Use: "packetcache",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the caching dns server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return StartServer(sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, v, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	mlog.L().Info("config loaded", zap.String("file", v.ConfigFileUsed()))
	if err := setBootstrapLevel(cfg.Log.Level); err != nil {
		return err
	}

	if err := RunPacketCache(cfg, v); err != nil {
		return fmt.Errorf("packetcache exited, %w", err)
	}
	return nil
}

func decoderOpt(cfg *mapstructure.DecoderConfig) {
	cfg.ErrorUnused = true
	cfg.TagName = "yaml"
	cfg.WeaklyTypedInput = true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("cache.cache_ttl", 20)
	v.SetDefault("cache.recursive_cache_ttl", 10)
	v.SetDefault("cache.max_cache_entries", 1000000)
	v.SetDefault("server.listen", "127.0.0.1:53")
	v.SetDefault("server.protocols", []string{"udp", "tcp"})
	v.SetDefault("server.timeout", 5)
	v.SetDefault("server.idle_timeout", 10)
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// setBootstrapLevel applies the configured level to the global logger used
// before the server logger is built.
func setBootstrapLevel(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	mlog.SetLevel(l)
	return nil
}
