// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"context"
	"time"
)

// PollConfig bounds a wait. The interval doubles after every miss up to
// MaxInterval, so short waits stay responsive and long ones stay cheap.
type PollConfig struct {
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
}

// FastPollConfig is used while waiting for a freshly spawned daemon to
// accept connections.
func FastPollConfig() PollConfig {
	return PollConfig{
		Timeout:     5 * time.Second,
		Interval:    10 * time.Millisecond,
		MaxInterval: 200 * time.Millisecond,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 50 * time.Millisecond
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	return c
}

// PollUntil checks condition immediately and then with growing pauses until
// it holds. It returns ctx.Err() when ctx ends or Timeout passes first.
func PollUntil(ctx context.Context, cfg PollConfig, condition func() bool) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	wait := cfg.Interval
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C
	for {
		if condition() {
			return nil
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if wait *= 2; wait > cfg.MaxInterval {
			wait = cfg.MaxInterval
		}
	}
}
