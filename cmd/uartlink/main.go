// Command uartlink exercises a serial link by sending or receiving
// sequence-numbered, CRC-protected packets and reporting loss and corruption.
//
//	uartlink -D /dev/ttyUSB0 -s 115200 --mode send --count 1000
//	uartlink -D /dev/ttyUSB1 -s 115200 --mode receive --db runs.db
//	uartlink --db runs.db history
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/uartlink/internal/session"
	"github.com/banshee-data/uartlink/internal/version"
)

const historyLimit = 20

func main() {
	var flags cliFlags
	flags.register(flag.CommandLine)
	flag.Parse()

	if flags.showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := flags.resolve(flag.CommandLine)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	switch cmd := flag.Arg(0); cmd {
	case "":
	case "history":
		if err := history(cfg.GetDBPath(), historyLimit, os.Stdout); err != nil {
			log.Fatalf("history: %v", err)
		}
		return
	default:
		log.Fatalf("unknown command %q", cmd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal stops the session after the current packet; a second
	// one exits straight away.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("stopping, interrupt again to exit immediately")
		cancel()
		<-sigs
		os.Exit(130)
	}()

	err = run(ctx, cfg, os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrDesync):
		log.Printf("receive stopped: %v", err)
	default:
		log.Fatalf("uartlink: %v", err)
	}
}
