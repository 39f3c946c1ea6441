package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/atsh/internal/engine"
	"github.com/roach88/atsh/internal/plugin"
	"github.com/roach88/atsh/internal/value"
)

const replyTimeout = 2 * time.Second

// ping sends PX_RETRIES pings to the sut probe and expects each one back.
func ping(rt *engine.Runtime) error {
	s := rt.Session()
	port, err := s.Int("PX_PORT")
	if err != nil {
		return err
	}
	retries, err := s.Int("PX_RETRIES")
	if err != nil {
		return err
	}

	if s.Bool("PX_MANUAL") {
		if _, err := rt.Action("Power-cycle the SUT, then confirm", 30*time.Second); err != nil {
			return err
		}
	}

	sut, err := rt.Probe("sut")
	if err != nil {
		return fmt.Errorf("sut probe: %w", err)
	}
	codec, err := rt.Codec("json")
	if err != nil {
		return fmt.Errorf("json codec: %w", err)
	}

	for seq := int64(1); seq <= retries; seq++ {
		rt.Log("ping", "seq", seq, "port", port)
		req := value.Map{
			"method": value.String("PING"),
			"port":   value.Int(port),
			"seq":    value.Int(seq),
		}
		if err := sut.SendValue(codec, req); err != nil {
			return err
		}

		reply, err := sut.ObserveValue(codec, replyTimeout)
		if errors.Is(err, plugin.ErrTimeout) {
			return rt.Fail("timeout", fmt.Sprintf("no reply to ping %d", seq), nil)
		}
		if err != nil {
			return err
		}
		if !value.Equal(reply, req) {
			return rt.Mismatch("sut", req, reply)
		}
		if err := s.Set("last_reply", reply); err != nil {
			return err
		}
	}
	return nil
}
