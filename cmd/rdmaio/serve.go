package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmaio/internal/config"
	"github.com/piwi3910/rdmaio/internal/connector"
	"github.com/piwi3910/rdmaio/internal/device"
)

func managerConfig(cfg *config.Config) connector.Config {
	return connector.Config{
		Address:        cfg.Address,
		Port:           cfg.Port,
		TimeoutMS:      cfg.TimeoutMS,
		Nonblocking:    cfg.Nonblocking,
		MaxConnections: cfg.MaxConnections,
		ListenBacklog:  cfg.ListenBacklog,
		Resources: connector.ResourceConfig{
			SQSize:      uint16(cfg.Device.SQSize),
			RQSize:      uint16(cfg.Device.RQSize),
			LogRQStride: uint8(cfg.Device.LogRQStride),
			LogCQSize:   uint8(cfg.Device.LogCQSize),
			MRSize:      cfg.Device.MRSize,
			MaxRDAtomic: uint8(cfg.Device.MaxRDAtomic),
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept peer connections and bring queue pairs to RTS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Info().Str("version", version).Str("device", cfg.Device.Name).Msg("starting rdmaio")

			dev := device.NewSimulated(cfg.Device.Name)
			defer dev.Close()

			mgr := connector.New(dev, managerConfig(cfg))
			mgr.OnConnection(func(id uint64, ip string, port uint16) {
				go func() {
					if err := mgr.Establish(id); err != nil {
						log.Error().Uint64("conn_id", id).Err(err).Msg("establish failed")
					}
				}()
			})
			mgr.OnDisconnection(func(id uint64) {
				log.Info().Uint64("conn_id", id).Msg("peer disconnected")
			})

			if err := mgr.Start(); err != nil {
				return err
			}
			defer mgr.Stop()

			if cfg.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{
					Addr:              cfg.MetricsAddress,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error().Err(err).Msg("metrics listener failed")
					}
				}()
				defer srv.Close()
				log.Info().Str("addr", cfg.MetricsAddress).Msg("metrics listening")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return nil
		},
	}
}
