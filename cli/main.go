package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	core "github.com/kalintas/gotorrent/core"
)

func main() {
	var (
		torrentPath = flag.String("torrent", "", "path to a .torrent file")
		magnet      = flag.String("magnet", "", "magnet URI (mutually exclusive with -torrent)")
		downloadDir = flag.String("dir", ".", "directory to download into")
		port        = flag.Uint("port", 8000, "TCP port to listen for incoming peer connections on")
		logLevel    = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	)
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid -log-level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if (*torrentPath == "") == (*magnet == "") {
		logrus.Fatal("exactly one of -torrent or -magnet is required")
	}

	config := core.NewConfigBuilder().WithPort(uint16(*port)).Build()

	var client *core.Client
	if *torrentPath != "" {
		client, err = core.NewClientFromTorrentFile(*torrentPath, config)
	} else {
		client, err = core.NewClientFromMagnet(*magnet, config)
	}
	if err != nil {
		logrus.WithError(err).Fatal("failed to load torrent")
	}

	if err := client.Start(*downloadDir); err != nil {
		logrus.WithError(err).Fatal("failed to start client")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		client.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("download complete")
	case sig := <-sigCh:
		logrus.WithField("signal", sig).Info("shutting down")
		client.Stop()
	}

	if err := client.FatalErr(); err != nil {
		logrus.WithError(err).Error("client stopped due to a fatal condition")
		os.Exit(1)
	}
}
