package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ClockSync estimates the offset between the local clock and a server's,
// from the Date header of a HEAD request, so a scheduled start can follow
// the shop's clock instead of the load generator's.
type ClockSync struct {
	client *http.Client
	offset time.Duration
	synced bool
}

func NewClockSync(timeout time.Duration) *ClockSync {
	return &ClockSync{
		client: &http.Client{Timeout: timeout},
	}
}

// Sync averages the offset over every target that answers with a usable
// Date header. It fails only when none does.
func (c *ClockSync) Sync(ctx context.Context, targets ...string) error {
	var total time.Duration
	ok := 0

	for _, target := range targets {
		offset, err := c.offsetFrom(ctx, target)
		if err != nil {
			logDebug("Clock", "time sync failed", "target", target, "error", err)
			continue
		}
		logDebug("Clock", "time offset measured", "target", target, "offset", offset)
		total += offset
		ok++
	}

	if ok == 0 {
		return errors.New("failed to sync time with any server")
	}

	c.offset = total / time.Duration(ok)
	c.synced = true
	return nil
}

func (c *ClockSync) offsetFrom(ctx context.Context, target string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return 0, err
	}

	before := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	after := time.Now()

	date := resp.Header.Get("Date")
	if date == "" {
		return 0, errors.New("no Date header in response")
	}
	serverTime, err := http.ParseTime(date)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	// The server stamped the header roughly half way through the round trip.
	local := before.Add(after.Sub(before) / 2)
	return serverTime.Sub(local), nil
}

// Now is local time shifted by the measured offset, or plain local time
// before a successful Sync.
func (c *ClockSync) Now() time.Time {
	if !c.synced {
		return time.Now()
	}
	return time.Now().Add(c.offset)
}

func (c *ClockSync) Synced() bool {
	return c.synced
}

func (c *ClockSync) Offset() time.Duration {
	return c.offset
}
