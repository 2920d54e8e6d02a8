package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mundrapranay/umbra-ledger/internal/blobstore"
	"github.com/mundrapranay/umbra-ledger/internal/config"
	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/noise"
	"github.com/mundrapranay/umbra-ledger/internal/server"
	"github.com/mundrapranay/umbra-ledger/internal/store"
)

var (
	configPath   = flag.String("config", "", "Path to a YAML config file (flags override its fields)")
	nodeID       = flag.String("node-id", "", "Unique ID for this node")
	raftAddr     = flag.String("raft-addr", "", "Address to listen for Raft communication")
	httpAddr     = flag.String("http-addr", "", "Address to listen for the HTTP API")
	dataDir      = flag.String("data-dir", "", "Directory to store Raft logs and snapshots")
	blobDir      = flag.String("blob-dir", "", "Directory for the blob store (empty disables it)")
	bootstrap    = flag.Bool("bootstrap", false, "Bootstrap a new cluster (first node)")
	admin        = flag.String("admin", "", "Caller granted the admin role after bootstrap")
	oracleMode   = flag.String("oracle-mode", "", "Oracle mode: 'embedded' or 'remote'")
	oracleAddr   = flag.String("oracle-addr", "", "Remote oracle base URL (remote mode)")
	callbackAddr = flag.String("callback-addr", "", "Base URL the oracle posts callbacks to (remote mode)")
	keyBits      = flag.Int("key-bits", 0, "Paillier modulus size in bits (embedded mode)")
	proofKey     = flag.String("proof-key", "", "Shared secret for decryption proofs")
	mechanism    = flag.String("mechanism", "", "Disclosure noise mechanism: 'none', 'laplace', or 'geometric'")
	epsilon      = flag.Float64("epsilon", 0, "Privacy budget for the disclosure mechanism")
	logLevel     = flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "umbra",
		Level: cfg.LogLevel(),
	})

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	// Initialize Raft store
	storeConfig := store.Config{
		NodeID:           cfg.Node.ID,
		ListenAddr:       cfg.Node.RaftAddr,
		DataDir:          cfg.Node.DataDir,
		Bootstrap:        cfg.Node.Bootstrap,
		HeartbeatTimeout: 1000 * time.Millisecond,
		ElectionTimeout:  1000 * time.Millisecond,
		CommitTimeout:    50 * time.Millisecond,
		Logger:           logger,
	}

	st, err := store.NewStore(storeConfig)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	defer st.Shutdown()

	// Initialize the decryption oracle
	var oracle crypto.Oracle
	var local *crypto.LocalOracle
	switch cfg.Oracle.Mode {
	case config.OracleModeEmbedded:
		key, err := crypto.GeneratePaillierKey(cfg.Oracle.KeyBits)
		if err != nil {
			log.Fatalf("failed to generate oracle key: %v", err)
		}
		local = crypto.NewLocalOracle(key, []byte(cfg.Oracle.ProofKey), logger)
		oracle = local
		log.Printf("Using embedded oracle (%d-bit modulus)", cfg.Oracle.KeyBits)
	case config.OracleModeRemote:
		callbackBase := cfg.Oracle.CallbackAddr
		if callbackBase == "" {
			callbackBase = "http://" + cfg.Node.HTTPAddr
		}
		oracle = crypto.NewRemoteOracle(cfg.Oracle.Addr, callbackBase+"/v1/callbacks", []byte(cfg.Oracle.ProofKey))
		log.Printf("Using remote oracle at %s", cfg.Oracle.Addr)
	default:
		log.Fatalf("Invalid oracle mode: %s (must be 'embedded' or 'remote')", cfg.Oracle.Mode)
	}

	// Disclosure noise mechanism
	mech, err := noise.New(cfg.Disclosure.Mechanism, cfg.Disclosure.Epsilon)
	if err != nil {
		log.Fatalf("failed to build disclosure mechanism: %v", err)
	}
	reporter := server.NewDisclosureReporter(mech, logger)

	serverConfig := server.Config{
		Store:    st,
		Oracle:   oracle,
		Reporter: reporter,
		Logger:   logger,
	}

	// Blob store is optional
	if cfg.Node.BlobDir != "" {
		blobs, err := blobstore.Open(cfg.Node.BlobDir, logger)
		if err != nil {
			log.Fatalf("failed to open blob store: %v", err)
		}
		defer blobs.Close()
		serverConfig.Blobs = blobs
	}

	srv := server.NewServer(serverConfig)

	// The embedded oracle delivers decryption callbacks in-process
	if local != nil {
		local.SetSink(func(cb crypto.Callback) {
			if err := srv.HandleCallback(cb); err != nil {
				logger.Error("callback rejected", "request_id", cb.RequestID, "error", err)
			}
		})
	}

	httpServer := &http.Server{
		Addr:    cfg.Node.HTTPAddr,
		Handler: srv.Routes(),
	}

	log.Printf("Starting HTTP server on %s", cfg.Node.HTTPAddr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to serve HTTP: %v", err)
		}
	}()

	// Wait for leadership if bootstrapping
	if cfg.Node.Bootstrap {
		log.Println("Bootstrapping cluster...")
		for {
			if st.IsLeader() {
				log.Println("Became leader!")
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		if cfg.Node.Admin != "" {
			if err := srv.SetAdmin(cfg.Node.Admin, cfg.Node.Admin); err != nil {
				log.Fatalf("failed to assign admin %q: %v", cfg.Node.Admin, err)
			}
			log.Printf("Admin role assigned to %q", cfg.Node.Admin)
		}
	}

	log.Printf("Node %s is ready. Raft: %s, HTTP: %s", cfg.Node.ID, cfg.Node.RaftAddr, cfg.Node.HTTPAddr)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}

// loadConfig merges the optional YAML file with explicitly set flags.
// Flags win over the file; the file wins over defaults.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.Node.ID = *nodeID
		case "raft-addr":
			cfg.Node.RaftAddr = *raftAddr
		case "http-addr":
			cfg.Node.HTTPAddr = *httpAddr
		case "data-dir":
			cfg.Node.DataDir = *dataDir
		case "blob-dir":
			cfg.Node.BlobDir = *blobDir
		case "bootstrap":
			cfg.Node.Bootstrap = *bootstrap
		case "admin":
			cfg.Node.Admin = *admin
		case "oracle-mode":
			cfg.Oracle.Mode = *oracleMode
		case "oracle-addr":
			cfg.Oracle.Addr = *oracleAddr
		case "callback-addr":
			cfg.Oracle.CallbackAddr = *callbackAddr
		case "key-bits":
			cfg.Oracle.KeyBits = *keyBits
		case "proof-key":
			cfg.Oracle.ProofKey = *proofKey
		case "mechanism":
			cfg.Disclosure.Mechanism = *mechanism
		case "epsilon":
			cfg.Disclosure.Epsilon = *epsilon
		case "log-level":
			cfg.Node.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
