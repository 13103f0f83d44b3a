// nicolive-tail connects to every comment room of a broadcast, prints the
// comments it receives and optionally mirrors them to MQTT.
//
// Configuration comes from the environment (see internal/config). Text
// published to the relay's say topic is posted to the home room unless
// --listen-only is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/kabili207/nicolive-go/client"
	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/core/codec"
	"github.com/kabili207/nicolive-go/core/queue"
	"github.com/kabili207/nicolive-go/internal/config"
	"github.com/kabili207/nicolive-go/internal/logging"
	"github.com/kabili207/nicolive-go/metrics"
	"github.com/kabili207/nicolive-go/nicoapi"
	"github.com/kabili207/nicolive-go/room"
	"github.com/kabili207/nicolive-go/transport"
	"github.com/kabili207/nicolive-go/transport/mqtt"
)

type options struct {
	envFile         string
	currentRoomOnly bool
	listenOnly      bool
	say             string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("nicolive-tail", pflag.ContinueOnError)
	flagSet.StringVar(&opts.envFile, "env-file", "", "load environment variables from this file")
	flagSet.BoolVar(&opts.currentRoomOnly, "current-room-only", false, "connect only the room matching the entry port")
	flagSet.BoolVar(&opts.listenOnly, "listen-only", false, "never post comments")
	flagSet.StringVar(&opts.say, "say", "", "post this comment to the home room once connected")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return err
	}
	log := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, log)
		defer shutdown(srv, log)
	}

	api, err := nicoapi.New(nicoapi.Config{
		BaseURL: cfg.APIBase,
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	tmpl, err := cfg.Broadcast(time.Now())
	if err != nil {
		return err
	}

	var relay *mqtt.Relay
	if cfg.MQTTBroker != "" {
		relay = mqtt.New(mqtt.Config{
			Broker:      cfg.MQTTBroker,
			TopicPrefix: cfg.MQTTTopicPrefix,
			BroadcastID: nicoapi.NormalizeID(cfg.BroadcastID),
			Logger:      log,
		})
		relay.SetStateHandler(func(e transport.Event) {
			log.Debug("mqtt state", "event", e.String())
		})
		if err := relay.Start(ctx); err != nil {
			return fmt.Errorf("starting mqtt relay: %w", err)
		}
		defer relay.Stop()
	}

	ended := make(chan struct{}, 1)
	c := client.New(client.Config{
		Resolver:    &nicoapi.StaticResolver{Template: tmpl, API: api},
		DedupeChats: true,
		Metrics:     m,
		Logger:      log,
		Events: client.Events{
			OnChat: func(i int, chat *codec.Chat) {
				printChat(i, chat, tmpl.Rooms[i])
				if relay != nil {
					if err := relay.PublishChat(i, tmpl.Rooms[i].Label, chat); err != nil {
						log.Debug("mqtt publish failed", "error", err)
					}
				}
			},
			OnCommentSent: func(i int, cm queue.Comment, err error) {
				if err != nil {
					log.Warn("comment dropped", "room", tmpl.Rooms[i].Label, "text", cm.Text, "error", err)
					return
				}
				log.Info("comment accepted", "room", tmpl.Rooms[i].Label, "text", cm.Text)
			},
			OnKicked: func(i, seat int) {
				log.Warn("kicked from room", "room", tmpl.Rooms[i].Label, "seat", seat)
			},
			OnConnectivity: func(anyConnected, allConnected bool) {
				log.Info("connectivity changed", "any", anyConnected, "all", allConnected)
			},
			OnDisconnected: func() {
				select {
				case ended <- struct{}{}:
				default:
				}
			},
		},
	})

	creds := client.Credentials{UserSession: cfg.UserSession}
	if err := c.Connect(ctx, cfg.BroadcastID, creds, client.ConnectOptions{CurrentRoomOnly: opts.currentRoomOnly}); err != nil {
		return err
	}
	defer c.Disconnect()

	if err := c.StartReceiving(ctx, room.ReceiveOptions{Backlog: cfg.Backlog}); err != nil {
		return err
	}

	c.SetPaused(opts.listenOnly)
	if relay != nil && !opts.listenOnly {
		relay.SetSayHandler(func(text string) {
			if _, err := c.SendCurrent(text, "", time.Time{}); err != nil {
				log.Warn("say failed", "error", err)
			}
		})
	}
	if opts.say != "" && !opts.listenOnly {
		if _, err := c.SendCurrent(opts.say, "", time.Time{}); err != nil {
			return err
		}
	}

	c.Start(ctx)
	defer c.Stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-ended:
		log.Info("broadcast connection ended")
	}
	return nil
}

func printChat(i int, chat *codec.Chat, info core.RoomInfo) {
	user := chat.UserID
	if user == "" {
		user = "-"
	}
	fmt.Printf("[%d:%s] #%d %s (%s): %s\n", i, info.Label, chat.No, user, chat.Kind, chat.Text)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}

func shutdown(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}
}
