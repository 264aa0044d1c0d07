// Command echoserver is a minimal TCP echo server built on the coro
// scheduler fleet: every accepted connection runs as its own coroutine,
// hooked socket I/O suspends the coroutine rather than blocking an OS
// thread.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	coro "github.com/flowcoro/flowcoro"
)

const fleetShutdownGrace = 5 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:9999", "listen address")
	schedulers := flag.Int("schedulers", 0, "scheduler count (0 = runtime.NumCPU())")
	flag.Parse()

	var opts []coro.Option
	if *schedulers > 0 {
		opts = append(opts, coro.WithSchedulers(*schedulers))
	}
	opts = append(opts, coro.WithLogger(coro.NewDefaultLogger(coro.LevelInfo)))

	fleet, err := coro.NewFleet(opts...)
	if err != nil {
		log.Fatalf("coro.NewFleet: %v", err)
	}

	ln, err := fleet.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("Listen: %v", err)
	}
	log.Printf("echoserver listening on %s", ln.Addr())

	fleet.Go(func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fleet.Go(func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			})
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	log.Print("shutting down")
	ln.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), fleetShutdownGrace)
	defer cancel()
	if err := fleet.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
}
