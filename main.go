package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"lanchat/config"
	"lanchat/network"
	"lanchat/storage"
	"lanchat/ui"
)

func main() {
	connectAddr := flag.String("connect", "", "dial this peer (host[:port]) instead of listening")
	listenAddr := flag.String("listen", "", "listen address, overrides the configured port")
	downloadDir := flag.String("downloads", "", "directory for received files, overrides config")
	flag.Parse()

	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}
	if *downloadDir != "" {
		cfg.DownloadDir = *downloadDir
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
		logrus.Fatalf("startup failed while creating download dir: %v", err)
	}

	logFile, err := os.OpenFile(config.LogPath(dataDir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logrus.Fatalf("startup failed while opening log file: %v", err)
	}
	defer logFile.Close()

	logger := logrus.New()
	logger.SetOutput(logFile)
	logger.SetLevel(cfg.Level())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logger.WithFields(logrus.Fields{
		"device_id": cfg.DeviceID,
		"device":    cfg.DeviceName,
	})

	prompt, err := ui.NewPrompt()
	if err != nil {
		log.WithError(err).Fatal("Failed to open terminal")
	}
	defer prompt.Close()
	console := ui.NewConsole(prompt.Stdout())

	connOptions := network.ConnectionOptions{
		DownloadDir: cfg.DownloadDir,
		ChunkSize:   cfg.ChunkSize,
		ChunkPacing: cfg.ChunkPacing(),
		Callbacks:   console,
		Logger:      log,
	}
	if cfg.ChunkPacingMs == 0 {
		connOptions.ChunkPacing = -1
	}

	var history ui.History
	if cfg.Journal() {
		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			log.WithError(err).Fatal("Failed to open transfer journal")
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Error("Failed to close transfer journal")
			}
		}()
		if n, err := store.FailPendingTransfers("interrupted by shutdown"); err != nil {
			log.WithError(err).Warn("Failed to settle pending transfers")
		} else if n > 0 {
			log.WithField("count", n).Info("Marked interrupted transfers as failed")
		}
		log.WithField("path", dbPath).Info("Transfer journal open")
		connOptions.Journal = store
		history = store
	}

	address := cfg.ListenAddress()
	if *listenAddr != "" {
		address = *listenAddr
	}

	session := network.NewSession(network.SessionOptions{
		ListenAddress:      address,
		MaxConcurrentPeers: cfg.MaxConcurrentPeers,
		DialTimeout:        cfg.DialTimeout(),
		Connection:         connOptions,
	})
	defer session.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = prompt.Close()
	}()

	fmt.Fprintf(prompt.Stdout(), "Device:     %s (%s)\n", cfg.DeviceName, cfg.DeviceID)
	fmt.Fprintf(prompt.Stdout(), "Config:     %s\n", cfgPath)
	fmt.Fprintf(prompt.Stdout(), "Downloads:  %s\n", cfg.DownloadDir)

	if *connectAddr != "" {
		if err := session.ConnectTo(ctx, *connectAddr); err != nil {
			console.Errorf("connect to %s failed: %v", *connectAddr, err)
		} else {
			console.Infof("connected to %s", *connectAddr)
		}
	} else if err := session.StartAsListener(); err == nil {
		console.Infof("listening on %s", session.ListenAddr())
	}
	console.Infof("type /help for commands")

	commands := &ui.Commands{Sender: session, History: history, Console: console}
	if err := prompt.Run(ctx, commands); err != nil {
		log.WithError(err).Error("Prompt stopped")
	}
	log.Info("Shutting down")
}
