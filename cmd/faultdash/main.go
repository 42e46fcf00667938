package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/server"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/traffic"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated relay controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] faultdash starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var link device.Channel
	switch cfg.Device.Type {
	case "serial":
		link = device.NewSerial(device.SerialConfig{
			PortPath: cfg.Device.PortPath,
			BaudRate: cfg.Device.BaudRate,
		})
	case "remote":
		link = device.NewRemote(device.RemoteConfig{
			URL:   cfg.Device.URL,
			Token: cfg.Device.Token,
		})
	default:
		link = device.NewDemo(cfg.Device.Demo)
	}
	log.Printf("[main] device link: %s", link.Name())

	trafficLog := traffic.New(cfg.Logging)
	defer trafficLog.Close()
	ch := traffic.Wrap(link, trafficLog)

	// Non-blocking: the HTTP surface comes up while the device is still unreachable
	go connectWithRetry(ctx, "device", ch, 10)
	defer ch.Close()

	srv := server.New(cfg, ch, web.FS)
	srv.SetTrafficLog(trafficLog)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

type connectable interface {
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
