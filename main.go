// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("Smart Farmer - Offline Sync")
	fmt.Println("===========================")
	fmt.Println()
	fmt.Println("Farmers keep writing messages, groups and profile changes without a connection.")
	fmt.Println("Every write lands in a durable local queue and is replayed in order, at most once,")
	fmt.Println("when the device is back online.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println("  farmsync    - service the app uses: enqueue, status, trigger/reset sync")
	fmt.Println("  syncqueue   - SQLite queue and sync settings store")
	fmt.Println("  syncengine  - single-flight drain, auto-sync dispatcher, stage metrics")
	fmt.Println("  netwatch    - connectivity and app-lifecycle observer")
	fmt.Println("  remote      - HTTP applier for the apply endpoint")
	fmt.Println("  session     - device token holder")
	fmt.Println("  syncserver  - Postgres apply service with idempotency keys and JWT auth")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println()
	fmt.Println("1. Apply server (examples/apply_server/)")
	fmt.Println("   Receives queued mutations and materializes groups/messages in Postgres")
	fmt.Println("   Run: go run ./examples/apply_server -verbose")
	fmt.Println()
	fmt.Println("2. Offline flow (examples/offline_flow/)")
	fmt.Println("   Simulated device going offline/online, relaunching, wifi-only")
	fmt.Println("   Run: go run ./examples/offline_flow -scenario all")
	fmt.Println()
}
