// dbcheck is a maintenance tool for the scannerd sqlite database: table
// counts, call-log investigation, and orphan cleanup.
//
// Usage:
//
//	dbcheck [db-path]
//	dbcheck [db-path] calls
//	dbcheck [db-path] fix-orphans [apply]
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	path := "./scanner.db"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "calls" && args[0] != "fix-orphans" {
		path = args[0]
		args = args[1:]
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	if len(args) > 0 && args[0] == "calls" {
		investigateCalls(db)
		return
	}

	if len(args) > 0 && args[0] == "fix-orphans" {
		dryRun := !(len(args) > 1 && args[1] == "apply")
		fixOrphans(db, dryRun)
		return
	}

	// Default: table counts
	tables := []string{"calls", "call_sources", "talkgroups", "channels", "system_config"}
	fmt.Println("Table            Count")
	fmt.Println("──────────────────────")
	for _, t := range tables {
		var count int64
		db.QueryRow("SELECT count(*) FROM " + t).Scan(&count)
		fmt.Printf("%-16s %d\n", t, count)
	}
}

func investigateCalls(db *sql.DB) {
	// 1. Completed vs start-only
	fmt.Println("── Call Completion ──")
	var withStop, withoutStop int64
	db.QueryRow("SELECT count(*) FROM calls WHERE stop_time IS NOT NULL AND duration > 0").Scan(&withStop)
	db.QueryRow("SELECT count(*) FROM calls WHERE stop_time IS NULL OR duration IS NULL OR duration = 0").Scan(&withoutStop)
	fmt.Printf("  With stop_time+duration (completed): %d\n", withStop)
	fmt.Printf("  Without (start-only):                %d\n", withoutStop)

	// 2. Calls per talkgroup, busiest first
	fmt.Println("\n── Busiest Talkgroups ──")
	rows, _ := db.Query(`
		SELECT c.talkgroup_id, COALESCE(tg.alpha_tag, ''), count(*)
		FROM calls c LEFT JOIN talkgroups tg ON tg.id = c.talkgroup_id
		WHERE c.talkgroup_id > 0
		GROUP BY c.talkgroup_id
		ORDER BY count(*) DESC
		LIMIT 15`)
	defer rows.Close()
	for rows.Next() {
		var tgid, count int
		var tag string
		rows.Scan(&tgid, &tag, &count)
		fmt.Printf("  tg=%d %q: %d calls\n", tgid, tag, count)
	}

	// 3. Conventional vs trunked split
	fmt.Println("\n── System Type ──")
	rows2, _ := db.Query("SELECT system_type, count(*) FROM calls GROUP BY system_type")
	defer rows2.Close()
	for rows2.Next() {
		var st string
		var count int
		rows2.Scan(&st, &count)
		fmt.Printf("  %s: %d calls\n", st, count)
	}

	// 4. Near-duplicate starts on the same talkgroup (within the merge
	// tolerance, so these should not normally exist)
	fmt.Println("\n── Same-Talkgroup Starts Within 1s ──")
	rows3, _ := db.Query(`
		SELECT c1.id, c2.id, c1.talkgroup_id, c1.start_time
		FROM calls c1
		JOIN calls c2 ON c1.talkgroup_id = c2.talkgroup_id
			AND c1.talkgroup_id > 0
			AND c2.start_time - c1.start_time BETWEEN 0 AND 1
			AND c1.id < c2.id
		ORDER BY c1.start_time DESC
		LIMIT 20`)
	defer rows3.Close()
	found := false
	for rows3.Next() {
		found = true
		var id1, id2 string
		var tgid int
		var start int64
		rows3.Scan(&id1, &id2, &tgid, &start)
		fmt.Printf("  %s <-> %s tg=%d start=%d\n", id1, id2, tgid, start)
	}
	if !found {
		fmt.Println("  (none found)")
	}

	// 5. Calls whose audio file is gone from disk
	fmt.Println("\n── Missing Audio Files (first 20) ──")
	rows4, _ := db.Query("SELECT id, audio_file FROM calls WHERE audio_file IS NOT NULL ORDER BY start_time DESC LIMIT 500")
	defer rows4.Close()
	missing := 0
	for rows4.Next() {
		var id, file string
		rows4.Scan(&id, &file)
		if _, err := os.Stat(file); err != nil {
			missing++
			if missing <= 20 {
				fmt.Printf("  %s: %s\n", id, file)
			}
		}
	}
	fmt.Printf("  %d missing of last 500 checked\n", missing)
}

// fixOrphans removes call_sources rows whose parent call no longer exists.
func fixOrphans(db *sql.DB, dryRun bool) {
	var orphans int64
	db.QueryRow(`
		SELECT count(*) FROM call_sources cs
		WHERE NOT EXISTS (SELECT 1 FROM calls c WHERE c.id = cs.call_id)`).Scan(&orphans)
	fmt.Printf("Orphaned call_sources rows: %d\n", orphans)

	if dryRun {
		fmt.Println("Dry run; pass 'apply' to delete.")
		return
	}

	res, err := db.Exec(`
		DELETE FROM call_sources
		WHERE NOT EXISTS (SELECT 1 FROM calls c WHERE c.id = call_sources.call_id)`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "delete failed: %v\n", err)
		os.Exit(1)
	}
	n, _ := res.RowsAffected()
	fmt.Printf("Deleted %d rows\n", n)
}
