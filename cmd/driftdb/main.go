// Command driftdb demonstrates opening a database, writing a few
// nested keys inside a transaction, reading them back through a
// snapshot view, and compacting the file.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/markavellan/driftdb"
	"github.com/markavellan/driftdb/view"
)

func main() {
	const dbPath = "example.driftdb"
	defer os.Remove(dbPath)
	defer os.Remove(dbPath + ".lock")

	db, err := driftdb.Open(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("=== driftdb — usage example ===")
	fmt.Println()

	fmt.Println("--- writing ---")
	err = db.Transaction(context.Background(), func(root *view.Handle) error {
		if err := root.Set("name", "alice"); err != nil {
			return err
		}
		if err := root.Set("roles", []interface{}{"admin", "user"}); err != nil {
			return err
		}
		return root.Set("prefs", map[string]interface{}{
			"theme": "dark",
			"limit": int64(50),
		})
	})
	if err != nil {
		log.Fatalf("transaction error: %v", err)
	}
	fmt.Println("  committed 3 keys")
	fmt.Println()

	fmt.Println("--- reading ---")
	v, err := db.View()
	if err != nil {
		log.Fatalf("view error: %v", err)
	}
	name, err := v.Root().Get("name")
	if err != nil {
		log.Fatalf("get name: %v", err)
	}
	fmt.Printf("  name = %v\n", name)

	prefs, err := v.Root().Get("prefs")
	if err != nil {
		log.Fatalf("get prefs: %v", err)
	}
	theme, err := prefs.(*view.Handle).Get("theme")
	if err != nil {
		log.Fatalf("get prefs.theme: %v", err)
	}
	fmt.Printf("  prefs.theme = %v\n", theme)
	fmt.Println()

	fmt.Println("--- no-op rewrite (should not grow the file) ---")
	sizeBefore, _ := db.Size()
	err = db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("name", "alice")
	})
	if err != nil {
		log.Fatalf("transaction error: %v", err)
	}
	sizeAfter, _ := db.Size()
	fmt.Printf("  size before=%d after=%d\n", sizeBefore, sizeAfter)
	fmt.Println()

	fmt.Println("--- compacting ---")
	if err := db.Compact(context.Background()); err != nil {
		log.Fatalf("compact error: %v", err)
	}
	size, _ := db.Size()
	fmt.Printf("  compacted size = %d bytes\n", size)
}
