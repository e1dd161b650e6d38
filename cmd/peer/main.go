package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"meshcall/internal/client"
	"meshcall/internal/core/domain"
	sigchan "meshcall/internal/infrastructure/signal"
	rtc "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	relayURL := flag.String("relay", "", "relay websocket URL (overrides config)")
	room := flag.String("room", "", "room to join (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}
	if *relayURL != "" {
		cfg.Client.RelayURL = *relayURL
	}
	if *room != "" {
		cfg.Client.Room = *room
	}

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()
	sugar := zlog.Sugar()

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEServers))
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		iceServers = append(iceServers, server)
	}

	connector, err := rtc.NewConnector(iceServers, zlog)
	if err != nil {
		zlog.Fatal("failed to build connector", zap.Error(err))
	}
	media := rtc.NewSampleSource(zlog)

	orch := client.NewOrchestrator(sigchan.Dialer(cfg.Client.RelayURL, zlog), connector, media, zlog)

	detector := client.NewSpeakerDetector(cfg.Speaker.SampleInterval, cfg.Speaker.LevelThreshold, zlog)
	detector.OnChange(func(user domain.UserID) {
		if user == "" {
			sugar.Infow("active speaker cleared")
			return
		}
		sugar.Infow("active speaker", "user_id", user)
	})
	orch.AttachSpeakerDetector(detector)
	orch.SetStreamsChanged(func() {
		sugar.Infow("remote streams changed", "count", len(orch.RemoteStreams()))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go detector.Run(ctx)

	if err := orch.Start(ctx, domain.RoomID(cfg.Client.Room)); err != nil {
		zlog.Fatal("failed to start call", zap.Error(err))
	}
	sugar.Infow("joined room", "room", cfg.Client.Room, "local_user", orch.LocalID())

	<-ctx.Done()
	orch.Close()
}
