// Package main runs the live-session HTTP and WebSocket server.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
