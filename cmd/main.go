package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ffx64/editor-presence/client"
	"github.com/ffx64/editor-presence/internal/config"
	"github.com/ffx64/editor-presence/internal/logx"
	"github.com/ffx64/editor-presence/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		logx.Log.Error().Err(err).Msg("invalid configuration")
		os.Exit(2)
	}
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin); err != nil {
		logx.Log.Error().Err(err).Msg("presence stopped")
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and flags,
// later sources winning.
func loadConfig(args []string) (config.Config, error) {
	var cfg config.Config
	cfg.SetDefaults()
	cfg.ApplyEnv()

	pre := flag.NewFlagSet("presence", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	cfg.BindFlags(pre)
	_ = pre.Parse(args)

	if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	fs := flag.NewFlagSet("presence", flag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config, input io.Reader) error {
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		addr, err := metrics.Serve(ctx, cfg.MetricsAddr, reg)
		if err != nil {
			return err
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server started")
	}

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	cli, err := client.Start(startCtx, client.Config{
		SocketPath:  cfg.SocketPath(),
		ClientID:    cfg.ClientID,
		InitialFile: cfg.InitialFile,
		Profile: client.Profile{Assets: client.Assets{
			LargeImage: cfg.Assets.LargeImage,
			LargeText:  cfg.Assets.LargeText,
			SmallImage: cfg.Assets.SmallImage,
			SmallText:  cfg.Assets.SmallText,
		}},
		PollInterval:    cfg.PollInterval,
		Timeout:         cfg.Timeout,
		PublishInterval: cfg.PublishInterval,
		PublishBurst:    cfg.PublishBurst,
	})
	cancel()
	if err != nil {
		return err
	}
	logx.Log.Info().Str("socket", cfg.SocketPath()).Msg("presence connected")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(input)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-cli.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return shutdown(cli)
		case <-cli.Done():
			return cli.Err()
		case line, ok := <-lines:
			if !ok {
				return shutdown(cli)
			}
			if err := publishLine(ctx, cli, line); err != nil {
				if errors.Is(err, client.ErrClosed) {
					return cli.Err()
				}
				logx.Log.Warn().Err(err).Msg("activity update failed")
			}
		}
	}
}

// publishLine maps one line of editor input to a status: a file name, or
// idle for an empty line.
func publishLine(ctx context.Context, cli *client.Client, line string) error {
	if line == "" {
		return cli.PublishIdle(ctx)
	}
	return cli.PublishEditing(ctx, line)
}

func shutdown(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cli.Clear(ctx); err != nil {
		logx.Log.Debug().Err(err).Msg("clear activity")
	}
	if err := cli.Close(); err != nil {
		return err
	}
	return cli.Err()
}
