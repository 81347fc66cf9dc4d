package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/contextgate/internal/profile"
	"github.com/hrygo/contextgate/server"
	"github.com/hrygo/contextgate/internal/observability"
	"github.com/hrygo/contextgate/store"
	"github.com/hrygo/contextgate/store/db"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "contextgate",
	Short: "Context-window manager for a multi-provider LLM gateway",
	RunE: func(_ *cobra.Command, _ []string) error {
		prof := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version,
		}
		prof.FromEnv()
		if prof.Driver == "sqlite" && prof.DSN == "" {
			prof.DSN = prof.Data + "/contextgate.db"
		}
		if err := prof.Validate(); err != nil {
			return err
		}

		observability.SetupLogger(prof.Mode)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		driver, err := db.NewDBDriver(prof)
		if err != nil {
			return err
		}
		st := store.New(driver, prof)
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		srv, err := server.NewServer(ctx, prof, st)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start(ctx)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		srv.Shutdown(context.Background())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("mode", "dev", `mode of the server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "binding address for the server")
	rootCmd.PersistentFlags().Int("port", 8090, "binding port for the server")
	rootCmd.PersistentFlags().String("data", ".", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", `database driver, "sqlite" or "postgres"`)
	rootCmd.PersistentFlags().String("dsn", "", "database connection string")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("contextgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
