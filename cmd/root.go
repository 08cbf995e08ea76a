package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/vmadm/cmd/core"
	cmdimages "github.com/projecteru2/vmadm/cmd/images"
	cmdothers "github.com/projecteru2/vmadm/cmd/others"
	cmdvm "github.com/projecteru2/vmadm/cmd/vm"
	"github.com/projecteru2/vmadm/config"
)

const envPrefix = "VMADM"

var (
	cfgFile string
	envFile string
	conf    *config.Config
)

// envKeys are the config keys that can be set from VMADM_* variables.
var envKeys = []string{
	"root_dir", "run_dir", "log_dir", "image_dir", "pool_size",
	"stop_timeout_seconds", "watch_interval_seconds", "admin_tag",
	"vnc.port_min", "vnc.port_max", "vnc.listen_address",
	"vnc.probe_timeout_seconds", "vnc.launch_timeout_seconds",
	"hypervisor.driver", "hypervisor.bhyve_binary", "hypervisor.bhyve_bootrom", "hypervisor.qemu_binary",
	"api.listen", "api.remote",
	"log.level",
}

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vmadm",
		Short:         "vmadm - VM lifecycle manager with per-VM VNC consoles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading VMADM_* variables")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory")
	cmd.PersistentFlags().String("log-dir", "", "log directory")
	cmd.PersistentFlags().String("driver", "", "hypervisor driver (process, stub)")
	cmd.PersistentFlags().String("remote", "", "drive a vmadm server at this address instead of local state")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("log_dir", cmd.PersistentFlags().Lookup("log-dir"))
	_ = viper.BindPFlag("hypervisor.driver", cmd.PersistentFlags().Lookup("driver"))
	_ = viper.BindPFlag("api.remote", cmd.PersistentFlags().Lookup("remote"))

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	cmd.AddCommand(cmdvm.Command(cmdvm.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdimages.Command(cmdimages.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Unmarshal over the defaults so unset keys keep them.
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
