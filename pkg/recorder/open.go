// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package recorder

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/jigstat/pkg/config"
)

// Open returns the backend selected in cfg
func Open(ctx context.Context, cfg config.RecorderConfig, log logrus.FieldLogger) (Recorder, error) {
	switch cfg.Backend {
	case "", config.BackendFile:
		return OpenFile(cfg.Path)
	case config.BackendRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, log)
	}
	return nil, fmt.Errorf("unknown recorder backend %q", cfg.Backend)
}
