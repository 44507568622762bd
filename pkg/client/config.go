package client

import (
	"errors"
	"time"
)

// MaxPayload is the largest payload accepted by any transport frame.
const MaxPayload = 64 * 1024

// Config holds the tunables shared by the three transports.
type Config struct {
	// Stop-and-wait settings.
	RetransmitInterval time.Duration // delay between retransmissions of an unacked frame
	SendBudget         time.Duration // total time before a send fails with Timeout
	KeepAliveInterval  time.Duration // idle time before a heartbeat is sent
	KeepAliveMisses    int           // consecutive heartbeat failures before the link is dead

	// Hole punching.
	ProbeInterval time.Duration
	PunchTimeout  time.Duration

	// Sliding window settings.
	Window      int           // outstanding packet cap
	RetxFloor   time.Duration // lower clamp for the retransmission timer
	RetxCeil    time.Duration // upper clamp for the retransmission timer
	IdleTimeout time.Duration

	// TCP upgrade.
	UpgradeDelta  time.Duration // offset added to the agreed connect instant
	UpgradeWindow time.Duration // how long both sides try the simultaneous open

	// RecvBuffer bounds the in-memory delivery queue per client.
	RecvBuffer int
}

// DefaultConfig returns the defaults from the protocol description.
func DefaultConfig() Config {
	return Config{
		RetransmitInterval: 200 * time.Millisecond,
		SendBudget:         5 * time.Second,
		KeepAliveInterval:  15 * time.Second,
		KeepAliveMisses:    3,
		ProbeInterval:      500 * time.Millisecond,
		PunchTimeout:       30 * time.Second,
		Window:             64,
		RetxFloor:          100 * time.Millisecond,
		RetxCeil:           2 * time.Second,
		IdleTimeout:        60 * time.Second,
		UpgradeDelta:       time.Second,
		UpgradeWindow:      2 * time.Second,
		RecvBuffer:         256,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.RetransmitInterval <= 0 {
		return errors.New("retransmit_interval must be positive")
	}
	if c.SendBudget < c.RetransmitInterval {
		return errors.New("send_budget cannot be below retransmit_interval")
	}
	if c.KeepAliveInterval <= 0 {
		return errors.New("keep_alive_interval must be positive")
	}
	if c.KeepAliveMisses <= 0 {
		return errors.New("keep_alive_misses must be positive")
	}
	if c.Window <= 0 {
		return errors.New("window must be positive")
	}
	if c.RetxFloor <= 0 || c.RetxCeil < c.RetxFloor {
		return errors.New("retransmission clamps are inverted")
	}
	if c.RecvBuffer <= 0 {
		return errors.New("recv_buffer must be positive")
	}
	return nil
}
