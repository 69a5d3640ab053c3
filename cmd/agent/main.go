package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/corvusec/palisade/agent/internal/agent"
	"github.com/corvusec/palisade/agent/internal/config"
	"github.com/corvusec/palisade/agent/internal/heartbeat"
	"github.com/corvusec/palisade/agent/internal/queue"
	"github.com/corvusec/palisade/agent/internal/version"
	"github.com/corvusec/palisade/agent/pkg/console"
	"github.com/corvusec/palisade/agent/pkg/debug"
	"github.com/joho/godotenv"
)

// Queue bounds shared by inbox and outbox.
const (
	maxQueuedMessages = 5000
	maxQueuedBytes    = 1 << 20
)

// agentConfig holds the runtime configuration resolved from flags and
// the .env file.
type agentConfig struct {
	configPath        string // Path to the TOML agent config file
	heartbeatInterval int    // Heartbeat interval in seconds; 0 defers to the config file
	debug             bool   // Enable debug logging
}

/*
 * loadConfig resolves configuration in priority order:
 * 1. Command line flags (already parsed in main)
 * 2. .env file values
 * 3. Defaults
 */
func loadConfig(cfg agentConfig) agentConfig {
	if envMap, err := godotenv.Read(".env"); err == nil {
		if cfg.configPath == "" {
			cfg.configPath = envMap["PALISADE_CONFIG"]
		}
		if cfg.heartbeatInterval == 0 {
			if i, err := strconv.Atoi(envMap["PALISADE_HEARTBEAT_INTERVAL"]); err == nil && i > 0 {
				cfg.heartbeatInterval = i
			}
		}
		if !cfg.debug {
			cfg.debug = envMap["PALISADE_DEBUG"] == "true"
		}
	}

	if cfg.configPath == "" {
		cfg.configPath = "palisade.toml"
	}

	if cfg.debug {
		os.Setenv("PALISADE_DEBUG", "true")
		os.Setenv("PALISADE_LOG_LEVEL", "DEBUG")
	}
	debug.Reinitialize()

	return cfg
}

func main() {
	var cfg agentConfig
	flag.StringVar(&cfg.configPath, "config", "", "Path to the agent config file (TOML)")
	flag.IntVar(&cfg.heartbeatInterval, "heartbeat", 0, "Heartbeat interval in seconds (0 uses the config file value)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg = loadConfig(cfg)

	console.Status("Palisade agent %s starting", version.GetVersion())
	console.Status("Loading configuration from %s", cfg.configPath)

	clientCfg := config.NewClientConfig(cfg.configPath)
	if !clientCfg.ReadConfig() {
		console.Error("Unable to read config file %s", cfg.configPath)
		log.Fatalf("unable to read config file %s", cfg.configPath)
	}

	if clientCfg.ClientID() == "" {
		console.Status("No client identity found, generating a new key")
		if !clientCfg.ResetKey() {
			console.Error("Key generation failed")
			log.Fatal("unable to generate a client key")
		}
	}
	console.Success("Client id: %s", clientCfg.ClientID())

	inbox := queue.New(maxQueuedMessages, maxQueuedBytes)
	outbox := queue.New(maxQueuedMessages, maxQueuedBytes)

	manager := agent.NewManager(clientCfg, inbox, outbox)
	go manager.Run()

	var producer *heartbeat.Producer
	interval := clientCfg.HeartbeatInterval()
	if cfg.heartbeatInterval > 0 {
		interval = time.Duration(cfg.heartbeatInterval) * time.Second
	}
	if interval > 0 {
		producer = heartbeat.New(outbox, interval)
		go producer.Run()
	}

	// Stand-in for the task-execution collaborator: drain the inbox so
	// the exchange loop is never blocked on a full queue.
	go func() {
		for {
			msg, ok := inbox.Dequeue(time.Second)
			if !ok {
				continue
			}
			debug.Info("Received message %s (%s, %d payload bytes)", msg.ID, msg.Kind, len(msg.Payload))
		}
	}()

	console.Success("Agent running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	console.Status("Received %v, shutting down", sig)
	if producer != nil {
		producer.Stop()
	}
	manager.Stop()
	outbox.Close()
	inbox.Close()
	console.Success("Agent stopped")
}
