//go:build !linux

package main

import "log"

func main() {
	log.Fatal("sandbox-init only runs as the init process of a linux guest")
}
