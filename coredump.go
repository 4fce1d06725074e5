// Package coredump extracts crash images captured in persistent storage
// after an abnormal restart and streams them, chunk by chunk and in bounded
// memory, to a caller-supplied transport sink. The image is erased only
// after every chunk was accepted; any failure leaves it in place so the next
// attempt resends identical bytes.
package coredump

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/avellar-iot/coredump/storage"
)

var log *logrus.Logger

// Courier drives crash-image uploads out of an ImageStore. It is safe to
// keep around across attempts, but calls against the same image must not
// overlap; an upload in flight owns the storage range it reads.
type Courier struct {
	store         storage.ImageStore
	config        Config
	planCounter   uint64
	uploadCounter uint64
}

func Init(store storage.ImageStore, config *Config) (*Courier, error) {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	log = config.Logger

	if store == nil {
		return nil, fmt.Errorf("image store must not be nil")
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for Courier: %w", err)
	}

	return &Courier{
		store:  store,
		config: *config,
	}, nil
}

// Stats returns how many plans and upload attempts this Courier has served.
func (c *Courier) Stats() (plans, uploads uint64) {
	return atomic.LoadUint64(&c.planCounter), atomic.LoadUint64(&c.uploadCounter)
}

// StartOpLogger logs the operation counters at the given interval until the
// returned stop function is called.
func (c *Courier) StartOpLogger(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				plans, uploads := c.Stats()
				c.config.Logger.Infof("Courier operations: plans=%d uploads=%d", plans, uploads)
			}
		}
	}()
	return func() { close(done) }
}
