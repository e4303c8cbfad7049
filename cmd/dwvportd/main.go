package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/dwvport/pkg/adapters/natsevents"
	"github.com/sammck-go/dwvport/pkg/adapters/redisstatus"
	"github.com/sammck-go/dwvport/pkg/config"
	"github.com/sammck-go/dwvport/pkg/statusapi"
	"github.com/sammck-go/dwvport/pkg/vport"
	"github.com/sammck-go/dwvport/share"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.Flags()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	v, err := config.New(fs)
	if err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := dwshare.NewLogger("dwvportd", dwshare.StringToLogLevel(cfg.Log.Level))
	config.WatchLogLevel(v, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []vport.Option
	var sinks vport.MultiSink

	switch cfg.Device.Type {
	case "tcp":
		dev, err := vport.NewTCPDevice(logger, cfg.ListenAddress, cfg.Device.TCPPort, cfg.Device.LogBytes)
		if err != nil {
			return err
		}
		opts = append(opts, vport.WithDevice(dev))
	case "serial":
		opts = append(opts, vport.WithDevice(vport.NewSerialDevice(logger, cfg.Device.SerialPort, cfg.Device.Baud, cfg.Device.LogBytes)))
	}

	if cfg.NATS.URL != "" {
		sink, err := natsevents.New(natsevents.Config{
			URL:           cfg.NATS.URL,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err != nil {
			// Events are best-effort; run without them
			logger.WLogf("%s; events will not be published", err)
		} else {
			defer sink.Close()
			sinks = append(sinks, sink)
		}
	}

	inst := vport.NewInstance(logger, cfg.InstanceConfig(), opts...)
	if cfg.Announce.Host {
		sinks = append(sinks, vport.NewHostAnnouncer(inst.Ports()))
	}
	inst.SetEventSink(sinks)
	inst.ShutdownOnContext(ctx)

	for _, vp := range cfg.VPorts {
		switch vp.Mode {
		case "connect":
			mode, _ := vport.ParseConnMode(vp.ConnMode)
			vp := vp
			go func() {
				if _, err := inst.Connect(ctx, vp.Port, vp.Host, vp.TCPPort, mode); err != nil {
					logger.ELogf("%s", err)
				}
			}()
		default:
			if _, err := inst.StartListener(vp.Port, vp.ListenerConfig()); err != nil {
				logger.ELogf("port %d not served: %s", vp.Port, err)
			}
		}
	}

	if cfg.HostLink.Port >= 0 && inst.Device() != nil {
		link := vport.NewHostLink(inst, cfg.HostLink.Port)
		go link.Run(ctx)
	}

	if cfg.Status.Addr != "" {
		srv := statusapi.NewServer(logger, inst, cfg.Status.PushInterval)
		if err := srv.Start(ctx, cfg.Status.Addr); err != nil {
			logger.ELogf("status server: %s", err)
		} else {
			defer srv.Shutdown(nil)
		}
	}

	if cfg.Redis.Addr != "" {
		rep, err := redisstatus.New(logger, redisstatus.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Status.RedisTTL,
		})
		if err != nil {
			logger.WLogf("%s; status snapshots disabled", err)
		} else {
			defer rep.Close()
			go rep.Run(inst.Context(), inst.Config().Name, inst)
		}
	}

	logger.ILogf("instance %d (%s) running", cfg.Instance.Num, inst.RunID())
	err = inst.WaitShutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
