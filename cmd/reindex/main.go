package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"framebroker/internal/config"
	"framebroker/internal/model"
	"framebroker/internal/repository/sqlite"
	"framebroker/internal/service/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	snapshotsDir := flag.String("snapshots", cfg.ImageDirectory, "Directory containing snapshots")
	dbPath := flag.String("db", cfg.DatabasePath, "Database path")
	flag.Parse()

	fmt.Printf("Indexing snapshots from %s into database %s\n", *snapshotsDir, *dbPath)

	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	repo := sqlite.NewSnapshotRepository(db)

	files, err := os.ReadDir(*snapshotsDir)
	if err != nil {
		log.Fatalf("Failed to read snapshots directory: %v", err)
	}

	var snapshots []model.Snapshot
	skipped := 0
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".jpg" {
			continue
		}

		parsed, err := storage.ParseFilename(file.Name())
		if err != nil {
			log.Printf("Skipping %s: %v", file.Name(), err)
			skipped++
			continue
		}

		info, err := file.Info()
		if err != nil {
			log.Printf("Failed to get info for %s: %v", file.Name(), err)
			skipped++
			continue
		}

		snapshots = append(snapshots, model.Snapshot{
			Filename:   file.Name(),
			Topic:      parsed.Topic,
			ProducerID: parsed.ProducerID,
			FrameID:    parsed.FrameID,
			Timestamp:  parsed.Timestamp,
			FilePath:   filepath.Join(*snapshotsDir, file.Name()),
			FileSize:   info.Size(),
		})
	}

	if len(snapshots) == 0 {
		fmt.Println("No snapshots found to index")
		return
	}

	inserted, err := repo.InsertBatch(snapshots)
	if err != nil {
		log.Fatalf("Failed to index snapshots: %v", err)
	}

	fmt.Printf("Indexed %d new snapshots (%d already known)\n", inserted, len(snapshots)-inserted)
	if skipped > 0 {
		fmt.Printf("Skipped %d files (invalid name or errors)\n", skipped)
	}

	if perTopic, err := repo.CountByTopic(); err == nil {
		fmt.Printf("Per topic:\n")
		for topic, count := range perTopic {
			fmt.Printf("   - %s: %d snapshots\n", topic, count)
		}
	}
}
