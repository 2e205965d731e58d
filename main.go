// Copyright 2026 Attendkit Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("⏱  go-attendsync - Attendance Synchronization Engine")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-attendsync pulls punch events from biometric time-clock terminals over")
	fmt.Println("unreliable vendor protocols, dedupes and persists them, and derives presence")
	fmt.Println("and lateness metrics from the stored stream.")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Attendance Server Example (examples/attendserver/)")
	fmt.Println("   A complete sync server over a simulated terminal fleet")
	fmt.Println("   Features: JWT auth, sync scheduling, Prometheus metrics, lateness reports")
	fmt.Println("   Run: cd examples/attendserver && go run .")
	fmt.Println()
}
