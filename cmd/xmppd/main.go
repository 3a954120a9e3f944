// Command xmppd runs the XMPP client-to-server daemon, wiring config,
// logging, the account/roster stores, the router hub, and the TCP
// listener together, grounded on the original main.c's startup sequence.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"xmppd/internal/config"
	"xmppd/internal/listener"
	"xmppd/internal/log"
	"xmppd/internal/roster"
	"xmppd/internal/router"
	"xmppd/internal/userstore"
)

// defaultMaxStanzaSize bounds a single in-flight stanza's accumulated
// character data, guarding against a client that never closes an element.
const defaultMaxStanzaSize = 65536

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Defaults()

	configPath := flag.String("config", "./xmppd.conf", "path to configuration file")
	domain := flag.String("domain", "", "override the server's domain")
	port := flag.Int("port", 0, "override the listening port")
	dataDir := flag.String("datadir", "", "override the data directory")
	logFile := flag.String("logfile", "", "override the log file path")
	logLevel := flag.String("loglevel", "", "override the log level (debug|info|warn|error)")
	flag.Parse()

	if err := config.Load(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "xmppd: %v\n", err)
		return 1
	}
	if *domain != "" {
		cfg.Domain = *domain
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *logLevel != "" {
		cfg.LogLevel = log.ParseLevel(*logLevel)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xmppd: open log file %s: %v\n", cfg.LogFile, err)
		return 1
	}
	defer f.Close()
	log.Init(f, cfg.LogLevel)

	log.Infof("xmppd starting on %s:%d domain=%s datadir=%s",
		cfg.BindAddress, cfg.Port, cfg.Domain, cfg.DataDir)

	users, err := userstore.New(cfg.DataDir)
	if err != nil {
		log.Errorf("xmppd: init user store: %v", err)
		return 1
	}
	rosterStore := roster.NewStore()
	hub := router.New(cfg.Domain, defaultMaxStanzaSize, users, rosterStore)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf("xmppd: listen on %s: %v", addr, err)
		return 1
	}
	defer ln.Close()

	l := listener.New(ln, hub, listener.MaxClients)
	go l.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("xmppd: received shutdown signal")
	l.Close()
	hub.Shutdown()

	log.Infof("xmppd shutting down")
	return 0
}
