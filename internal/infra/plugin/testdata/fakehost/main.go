// fakehost stands in for a per-plugin host: it serves the per-instance
// socket and exits once the bridge on the other end hangs up.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	socket := os.Getenv("YABRIDGE_PLUGIN_SOCKET")
	plugin := os.Getenv("YABRIDGE_PLUGIN_PATH")
	if socket == "" || plugin == "" {
		log.Fatal("plugin socket or path not provided")
	}

	_ = os.Remove(socket)
	lis, err := net.Listen("unix", socket)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer func() { _ = lis.Close() }()

	fmt.Printf("hosting %s\n", plugin)
	fmt.Fprintf(os.Stderr, "fakehost: listening on %s\n", socket)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-signals
		_ = lis.Close()
		os.Exit(0)
	}()

	conn, err := lis.Accept()
	if err != nil {
		log.Fatalf("accept: %v", err)
	}
	_, _ = io.Copy(io.Discard, conn)
	fmt.Printf("closing %s\n", plugin)
}
