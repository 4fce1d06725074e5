// Command dumpctl inspects and maintains a crash image store without going
// through a transport.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/avellar-iot/coredump"
	"github.com/avellar-iot/coredump/storage"
)

const USAGE = `Usage:
  %s [-path <dir>] save <file> [reason]   Store file as the captured crash image
  %s [-path <dir>] info                   Show capture metadata and chunk layout
  %s [-path <dir>] erase                  Erase the stored crash image

Examples:
  %s save crash.bin panic     # store crash.bin as a panic capture
  %s info                     # print capture info and the default chunk plan
  %s erase                    # drop the stored image
`

func usage() {
	progName := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, USAGE, progName, progName, progName, progName, progName, progName)
	os.Exit(1)
}

func main() {
	args := os.Args[1:]

	path := "./coredump-store"
	if len(args) >= 2 && args[0] == "-path" {
		path = args[1]
		args = args[2:]
	}
	if len(args) < 1 {
		usage()
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	store, err := storage.Open(storage.Options{Path: path, Logger: logger, SkipDiskReport: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch args[0] {
	case "save":
		if len(args) < 2 {
			usage()
		}
		reason := "unknown"
		if len(args) >= 3 {
			reason = args[2]
		}
		if err := save(store, args[1], reason); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving image: %v\n", err)
			os.Exit(1)
		}
	case "info":
		if err := info(store); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Println("No crash image stored.")
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading store: %v\n", err)
			os.Exit(1)
		}
	case "erase":
		if err := store.Erase(); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Println("No crash image stored.")
				return
			}
			fmt.Fprintf(os.Stderr, "Error erasing image: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Crash image erased.")
	default:
		usage()
	}
}

func save(store *storage.Flash, file, reason string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	info, err := store.SaveImage(data, reason)
	if err != nil {
		return err
	}
	fmt.Printf("Stored %d bytes @0x%08x (reason=%s)\n", info.TotalSize, info.BaseAddress, reason)
	return nil
}

func info(store *storage.Flash) error {
	capture, err := store.Capture()
	if err != nil {
		return err
	}
	fmt.Printf("Capture:  %s\n", capture.CaptureID)
	fmt.Printf("Reason:   %s (upload needed: %v)\n", capture.Reason, coredump.NeedsUpload(coredump.ParseResetReason(capture.Reason)))
	fmt.Printf("Captured: %s\n", capture.CapturedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Image:    %d bytes @0x%08x\n", capture.TotalSize, capture.BaseAddress)

	courier, err := coredump.Init(store, &coredump.Config{Logger: logrus.New()})
	if err != nil {
		return err
	}
	plan, err := courier.PlanUpload(0, true)
	if err != nil {
		return err
	}
	fmt.Printf("Plan:     %d chunks of %d bytes (last %d), base64 total %d bytes\n",
		plan.ChunkCount, plan.RawChunkSize, plan.LastChunkSize, plan.EncodedTotalSize)
	return nil
}
