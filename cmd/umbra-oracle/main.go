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

	"github.com/mundrapranay/umbra-ledger/internal/crypto"
	"github.com/mundrapranay/umbra-ledger/internal/oracleserver"
)

var (
	listenAddr = flag.String("addr", "127.0.0.1:8090", "Address to listen for oracle requests")
	keyBits    = flag.Int("key-bits", 2048, "Paillier modulus size in bits")
	proofKey   = flag.String("proof-key", "", "Shared secret for decryption proofs")
	logLevel   = flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
)

func main() {
	flag.Parse()

	if *proofKey == "" {
		log.Fatal("proof-key is required")
	}
	if *keyBits < 1024 {
		log.Fatalf("key-bits must be >= 1024, got: %d", *keyBits)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "umbra-oracle",
		Level: hclog.LevelFromString(*logLevel),
	})

	log.Printf("Generating %d-bit Paillier key...", *keyBits)
	key, err := crypto.GeneratePaillierKey(*keyBits)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	oracle := crypto.NewLocalOracle(key, []byte(*proofKey), logger)
	daemon := oracleserver.New(oracle, logger)

	httpServer := &http.Server{
		Addr:    *listenAddr,
		Handler: daemon.Routes(),
	}

	log.Printf("Oracle listening on %s", *listenAddr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to serve HTTP: %v", err)
		}
	}()

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
