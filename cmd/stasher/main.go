// Copyright 2024 Terminos Storage Protocol
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	stasher "github.com/tos-network/stasher"
)

func main() {
	daemonCmd := flag.NewFlagSet("daemon", flag.ExitOnError)
	listenAddress := daemonCmd.String("listen", "0.0.0.0:9000", "address to listen on")
	controlAddress := daemonCmd.String("control", "127.0.0.1:9001", "control surface listen address")
	listeners := daemonCmd.Int("listeners", 4, "number of socket listeners")
	timeout := daemonCmd.Duration("timeout", time.Minute/2, "request timeout")
	bootstrap := daemonCmd.String("bootstrap", "", "comma separated list of bootstrap udp addresses")
	storageBackend := daemonCmd.String("storage", "leveldb", "storage backend: leveldb or inmemory")
	dataDir := daemonCmd.String("datadir", "", "data directory (defaults per platform)")

	if len(os.Args) < 2 {
		fmt.Println("expected 'daemon' subcommand")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		daemonCmd.Parse(os.Args[2:])

		var backend stasher.StorageType
		switch *storageBackend {
		case "inmemory":
			backend = stasher.InMemoryStorage
		default:
			backend = stasher.LevelDBStorage
		}

		var bootstrapAddrs []string
		if *bootstrap != "" {
			bootstrapAddrs = strings.Split(*bootstrap, ",")
		}

		cfg := &stasher.Config{
			ListenAddress:      *listenAddress,
			Listeners:          *listeners,
			Timeout:            *timeout,
			BootstrapAddresses: bootstrapAddrs,
			StorageBackend:     backend,
			DataDir:            *dataDir,
		}

		dht, err := stasher.New(cfg)
		if err != nil {
			log.Fatalf("failed to start stasher daemon: %v", err)
		}

		log.Printf("stasher daemon listening for peers on %s\n", *listenAddress)

		ctrl, err := newControlServer(*controlAddress, dht)
		if err != nil {
			log.Fatalf("failed to start control surface: %v", err)
		}

		go ctrl.serve()

		log.Printf("control surface listening on %s\n", *controlAddress)

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		select {
		case <-c:
		case <-ctrl.died:
		}

		log.Println("stasher daemon shutting down...")
		ctrl.Close()
		dht.Close()
		log.Println("stasher daemon stopped.")
	default:
		fmt.Println("expected 'daemon' subcommand")
		os.Exit(1)
	}
}
