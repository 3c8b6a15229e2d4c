/*
 * Copyright (c) 2018 ARM Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle runs a set of services until a signal or the first
// failure, then shuts them down in reverse order.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is anything with a blocking Start and a graceful Stop.
type Service interface {
	// Start blocks until the service fails or its context is canceled.
	Start(ctx context.Context) error

	// Stop drains the service; it must return once ctx expires.
	Stop(ctx context.Context) error
}

// Run starts every service and blocks until SIGINT/SIGTERM or until one
// of them fails. It returns the error that ended the run, if any.
func Run(ctx context.Context, log logger.Logger, services ...Service) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	failed := make(chan error, len(services))

	for _, svc := range services {
		svc := svc

		go func() {
			if err := svc.Start(ctx); err != nil {
				failed <- err
			}
		}()
	}

	var runErr error

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-failed:
		log.Error().Err(runErr).Msg("Service failed")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer stopCancel()

	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("Service shutdown failed")

			if runErr == nil {
				runErr = err
			}
		}
	}

	return runErr
}
