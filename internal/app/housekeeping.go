package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// GrantExpirer is the engine capability housekeeping drives.
type GrantExpirer interface {
	ExpireGrants(ctx context.Context) (int, error)
}

// Housekeeper periodically expires elapsed scopes and delegations so their
// holders' cached authority is dropped.
type Housekeeper struct {
	cron    *cron.Cron
	expirer GrantExpirer
	log     logrus.FieldLogger
	timeout time.Duration
}

func NewHousekeeper(schedule string, expirer GrantExpirer, log logrus.FieldLogger) (*Housekeeper, error) {
	h := &Housekeeper{
		cron:    cron.New(),
		expirer: expirer,
		log:     log.WithField("component", "housekeeping"),
		timeout: time.Minute,
	}
	if _, err := h.cron.AddFunc(schedule, h.Run); err != nil {
		return nil, fmt.Errorf("invalid housekeeping schedule %q: %w", schedule, err)
	}
	return h, nil
}

// Run performs one pass.
func (h *Housekeeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	n, err := h.expirer.ExpireGrants(ctx)
	if err != nil {
		h.log.WithError(err).Error("expire grants failed")
		return
	}
	if n > 0 {
		h.log.WithField("users", n).Info("grants expired")
	}
}

func (h *Housekeeper) Start() { h.cron.Start() }

// Stop waits for a running pass to finish.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
}
