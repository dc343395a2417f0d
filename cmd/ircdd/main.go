// Command ircdd runs one node of a horizontally shardable IRC chat
// server, per spec.md §6's process-wide startup sequence: parse
// config, connect to the document store, bootstrap its collections,
// register the bus client, install the realm, bind the listener.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/ircdd/ircdd/internal/config"
	"github.com/ircdd/ircdd/internal/seed"
	"github.com/ircdd/ircdd/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file overriding the built-in defaults")
	doSeed := flag.Bool("seed", false, "seed a fixed development roster of users and a default group on startup")
	flag.Parse()

	logger := log.New(os.Stdout, "[IRCDD] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("ircdd: load config: %v", err)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatalf("ircdd: %v", err)
	}

	if *doSeed {
		if err := seed.Run(srv.Store(), srv.Realm()); err != nil {
			logger.Printf("ircdd: seed: %v", err)
		}
	}

	if err := srv.Start(); err != nil {
		logger.Fatalf("ircdd: %v", err)
	}
}
