// Command courier checks whether the last restart left a crash image behind
// and, if so, streams it out through the configured transport. Run it once
// early in boot, after connectivity is up.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/avellar-iot/coredump"
	"github.com/avellar-iot/coredump/sinks/httpsink"
	"github.com/avellar-iot/coredump/sinks/redispub"
	"github.com/avellar-iot/coredump/storage"
)

func main() {
	var (
		path      = flag.String("path", "./coredump-store", "crash image store directory")
		reason    = flag.String("reason", os.Getenv("COREDUMP_RESET_REASON"), "last reset reason (panic, watchdog, poweron, ...)")
		chunkSize = flag.Int("chunk", 0, "raw chunk size in bytes (0 = default)")
		useBase64 = flag.Bool("base64", true, "base64-encode chunks for text-only transports")
		force     = flag.Bool("force", false, "upload regardless of the reset reason")
		dry       = flag.Bool("dry", false, "print chunks to stdout instead of publishing")
		redisAddr = flag.String("redis", "", "redis address for the pub/sub transport")
		device    = flag.String("device", hostname(), "device identifier used in the publish channel")
		httpBase  = flag.String("http", "", "collector base URL for the HTTP transport")
		httpToken = flag.String("http-token", os.Getenv("COREDUMP_HTTP_TOKEN"), "bearer token for the HTTP transport")
		minFree   = flag.Int("min-free", 1, "minimum free space in GB required to open the store (0 = no check)")
	)
	flag.Parse()

	logger := logrus.New()

	resetReason := coredump.ParseResetReason(*reason)
	if !*force && !coredump.NeedsUpload(resetReason) {
		logger.Infof("Normal startup (reason=%s), no crash image to send.", resetReason)
		return
	}
	logger.Warnf("Failure condition detected (reason=%s). Attempting crash image upload...", resetReason)

	store, err := storage.Open(storage.Options{Path: *path, MinimumFreeSpace: *minFree, Logger: logger})
	if err != nil {
		logger.Errorf("Failed to open crash image store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	courier, err := coredump.Init(store, &coredump.Config{Logger: logger})
	if err != nil {
		logger.Errorf("Failed to initialize courier: %v", err)
		os.Exit(1)
	}

	plan, err := courier.PlanUpload(*chunkSize, *useBase64)
	if err != nil {
		if errors.Is(err, coredump.ErrNoImage) {
			logger.Info("No crash image in storage.")
			return
		}
		logger.Errorf("Failed to plan upload: %v", err)
		os.Exit(1)
	}

	sink, err := buildSink(logger, *dry, *redisAddr, *device, *httpBase, *httpToken)
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}

	err = courier.Upload(context.Background(), sink, &plan)
	var notErased *coredump.DeliveredNotErasedError
	switch {
	case err == nil:
		logger.Info("Crash image upload completed.")
	case errors.As(err, &notErased):
		// The receiver has the data; exit nonzero so the operator knows
		// the store still needs cleaning.
		logger.Errorf("Crash image delivered, but erase failed: %v", notErased.Err)
		os.Exit(1)
	default:
		logger.Errorf("Crash image upload failed: %v", err)
		os.Exit(1)
	}
}

func buildSink(logger *logrus.Logger, dry bool, redisAddr, device, httpBase, httpToken string) (coredump.Sink, error) {
	switch {
	case dry:
		return &coredump.SinkFuncs{
			WriteFunc: func(_ context.Context, payload []byte) error {
				_, err := os.Stdout.Write(payload)
				fmt.Println()
				return err
			},
		}, nil
	case redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		channel := fmt.Sprintf("coredump/%s", device)
		return redispub.New(client, channel, logger), nil
	case httpBase != "":
		return httpsink.New(nil, httpBase, httpToken, logger), nil
	default:
		return nil, fmt.Errorf("no transport selected: pass -redis, -http or -dry")
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown-device"
	}
	return name
}
