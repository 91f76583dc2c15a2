// quotastatus is a Postfix SMTPD access policy daemon that answers
// accept/reject/defer per inbound message based on the destination
// mailbox's storage quota.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/quotastatus/config"
	"github.com/migadu/quotastatus/logger"
	"github.com/migadu/quotastatus/pkg/resilient"
	"github.com/migadu/quotastatus/quota"
	"github.com/migadu/quotastatus/server/httpapi"
	"github.com/migadu/quotastatus/server/policy"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the TOML configuration file")
	protocol := flag.String("p", "", "Policy protocol dialect to speak (required; only 'postfix' is supported)")
	policyAddr := flag.String("addr", "", "Policy listener address (overrides configuration)")
	debug := flag.Bool("debug", false, "Enable debug logging of requests and responses")
	flag.Parse()

	// Refuse to start with an unknown dialect rather than answer an MTA
	// in a protocol it did not ask for.
	switch *protocol {
	case "postfix":
	case "":
		fmt.Fprintln(os.Stderr, "Error: -p is required (supported: postfix)")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: unsupported protocol '%s' (supported: postfix)\n", *protocol)
		os.Exit(1)
	}

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Configuration file '%s' not found, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if *policyAddr != "" {
		cfg.Servers.Policy.Addr = *policyAddr
		cfg.Servers.Policy.Addrs = nil
	}
	if *debug {
		cfg.Servers.Debug = true
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := resilient.NewResilientDatabase(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to the database", "error", err)
	}
	defer rdb.Close()
	rdb.StartPoolMetrics(ctx)

	directory := quota.NewDBDirectory(rdb, cfg.Quota)
	engine := quota.NewDBEngine(rdb, cfg.Quota)

	listenAddrs := cfg.Servers.Policy.ListenAddrs()
	errChan := make(chan error, len(listenAddrs)+1)

	var policyServers []*policy.PolicyServer
	if cfg.Servers.Policy.Start {
		for i, addr := range listenAddrs {
			name := cfg.Servers.Policy.Name
			if len(listenAddrs) > 1 {
				name = fmt.Sprintf("%s-%d", name, i)
			}
			policyServer, err := policy.New(ctx, name, addr, directory, engine, policy.PolicyServerOptions{
				Debug:          cfg.Servers.Debug,
				MaxConnections: cfg.Servers.Policy.MaxConnections,
				Quota:          cfg.Quota,
			})
			if err != nil {
				logger.Fatal("Failed to create policy server", "name", name, "error", err)
			}
			policyServers = append(policyServers, policyServer)
			go policyServer.Start(errChan)
		}
	} else {
		logger.Warn("Policy server disabled by configuration, nothing will answer the MTA")
	}

	var httpServer *httpapi.Server
	if cfg.Servers.HTTP.Start {
		httpServer = httpapi.New(cfg.Servers.HTTP.Addr, rdb)
		go httpServer.Start(errChan)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down on signal")
	case err := <-errChan:
		logger.Error("Server error, shutting down", "error", err)
		stop()
	}

	for _, policyServer := range policyServers {
		policyServer.Close()
	}
	if httpServer != nil {
		httpServer.Close()
	}
	logger.Info("Shutdown complete")
}
