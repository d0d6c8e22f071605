// Command test-hotkey is a manual test for the operator hotkeys.
// Run it, then press the resume or reset combo to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--resume ctrl+shift+r] [--reset ctrl+shift+x]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/readerlink/internal/hotkey"
)

func main() {
	resume := flag.String("resume", "ctrl+shift+r", "resume combo, keys joined with +")
	reset := flag.String("reset", "ctrl+shift+x", "reset combo, keys joined with +")
	flag.Parse()

	bindings := []hotkey.Binding{
		{Action: hotkey.ActionResume, Keys: strings.Split(*resume, "+")},
		{Action: hotkey.ActionReset, Keys: strings.Split(*reset, "+")},
	}
	listener, err := hotkey.NewListener(bindings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, b := range bindings {
		fmt.Printf("%-6s %s\n", b.Action, hotkey.Describe(b.Keys))
	}
	fmt.Println("Press Ctrl+C to exit.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		for ev := range listener.Events() {
			fmt.Printf(">>> %s\n", ev.Action)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
