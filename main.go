// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🗺️  go-roamsync - Offline-First Travel Sync Engine")
	fmt.Println("==================================================")
	fmt.Println()
	fmt.Println("go-roamsync keeps a mobile travel client usable without connectivity:")
	fmt.Println("entity edits apply locally first and replay to the server in order,")
	fmt.Println("and location pings queue durably until they can be delivered.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 🗄️  roamsqlite - SQLite client engine")
	fmt.Println("   Optimistic CRUD with rollback snapshots, durable ping queue,")
	fmt.Println("   rate-limited background sync, crash recovery sweep")
	fmt.Println()

	fmt.Println("2. 🌐 roamsync - PostgreSQL sync backend")
	fmt.Println("   JWT auth, idempotent location intake, entity upsert API")
	fmt.Println("   Run: go run ./cmd/roamsyncd --database-url <url>")
	fmt.Println()
}
