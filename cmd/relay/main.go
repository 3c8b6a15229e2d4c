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

// The relay connects mbed Cloud accounts to browsers: it receives device
// notifications over webhook or long poll, caches sensor values, and
// streams them to websocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/accounts"
	"github.com/PelionIoT/ref-wem/pkg/bus"
	"github.com/PelionIoT/ref-wem/pkg/config"
	"github.com/PelionIoT/ref-wem/pkg/geo"
	"github.com/PelionIoT/ref-wem/pkg/kv"
	"github.com/PelionIoT/ref-wem/pkg/lifecycle"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/notify"
	"github.com/PelionIoT/ref-wem/pkg/payload"
	"github.com/PelionIoT/ref-wem/pkg/poll"
	"github.com/PelionIoT/ref-wem/pkg/relayhttp"
	"github.com/PelionIoT/ref-wem/pkg/sensor"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

// defaultPresubscriptions covers the IPSO objects the boards publish plus
// the device name and wifi scan resources.
var defaultPresubscriptions = []models.Presubscription{
	{ResourcePath: []string{
		"/3303/*", "/3304/*", "/3305/*", "/3306/*", "/3323/*",
		"/3336/*", "/26241/*", "/26242/*", "/26243/*",
	}},
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/ref-wem/relay.json", "Path to relay config file")
	accountsFile := flag.String("accounts", "", "Accounts JSON to import at startup (overrides config)")
	flag.Parse()

	ctx := context.Background()

	cfgLoader := config.NewConfig(nil)

	var cfg models.RelayConfig
	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = &logger.Config{Level: "info", Output: "stdout"}
	}

	relayLogger, err := logger.New(logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := openKV(ctx, cfg.KV)
	if err != nil {
		return fmt.Errorf("failed to open kv store: %w", err)
	}
	defer store.Close()

	registry, err := openRegistry(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open account registry: %w", err)
	}

	importPath := cfg.AccountsFile
	if *accountsFile != "" {
		importPath = *accountsFile
	}

	if importPath != "" {
		created, err := accounts.ImportFile(ctx, registry, importPath, relayLogger)
		if err != nil {
			return fmt.Errorf("failed to import accounts: %w", err)
		}

		relayLogger.Info().Int("created", created).Str("path", importPath).Msg("Imported accounts")
	}

	ttl := time.Duration(cfg.SensorTTL)
	if ttl == 0 {
		ttl = sensor.DefaultTTL
	}

	sensors := sensor.NewStore(store, ttl, relayLogger)
	events := bus.New(sensors, relayLogger)
	codec := payload.NewCodec(relayLogger)
	clients := accounts.NewClients(registry, relayLogger)

	var (
		locator geo.Locator
		writers notify.WriterFactory
	)

	if cfg.GoogleAPIKey != "" {
		locator, err = geo.NewGoogleLocator(cfg.GoogleAPIKey)
		if err != nil {
			return fmt.Errorf("failed to create geolocation client: %w", err)
		}

		writers = writerFactory{clients: clients}
	}

	router := notify.NewRouter(codec, sensors, events, locator, writers, relayLogger)

	presubs := cfg.Presubscriptions
	if len(presubs) == 0 {
		presubs = defaultPresubscriptions
	}

	supervisor := poll.New(registry, clientFactory{clients: clients}, router, store,
		poll.Config{WebhookURL: cfg.WebhookURL(), Presubscriptions: presubs}, nil, relayLogger)

	server := relayhttp.NewServer(registry, registry, router, sensors, events, supervisor, relayLogger)

	return lifecycle.Run(ctx, relayLogger, &relayService{
		server:     server,
		addr:       cfg.ListenAddr,
		supervisor: supervisor,
	})
}

func openKV(ctx context.Context, cfg models.KVConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "redis":
		return kv.NewRedisStore(ctx, cfg.Address, cfg.Password, cfg.DB)
	case "nats":
		return kv.NewNatsStore(ctx, cfg.Address, cfg.Bucket)
	default:
		return kv.NewMemoryStore(), nil
	}
}

func openRegistry(ctx context.Context, cfg models.DatabaseConfig) (accounts.Registry, error) {
	if cfg.Backend == "postgres" {
		return accounts.NewPostgresRegistry(ctx, cfg.DSN)
	}

	return accounts.NewMemoryRegistry(), nil
}

// clientFactory narrows the shared per-account client cache to the slice
// the poll supervisor needs.
type clientFactory struct {
	clients *accounts.Clients
}

func (f clientFactory) ClientFor(ctx context.Context, accountID string) (poll.CloudAPI, error) {
	return f.clients.ClientFor(ctx, accountID)
}

// writerFactory does the same for the geolocation resource writes.
type writerFactory struct {
	clients *accounts.Clients
}

func (f writerFactory) WriterFor(ctx context.Context, accountID string) (notify.ResourceWriter, error) {
	return f.clients.ClientFor(ctx, accountID)
}

// relayService ties the HTTP server and the poll supervisor into one
// lifecycle unit.
type relayService struct {
	server     *relayhttp.Server
	addr       string
	supervisor *poll.Supervisor
}

func (s *relayService) Start(context.Context) error {
	return s.server.Start(s.addr)
}

func (s *relayService) Stop(ctx context.Context) error {
	s.supervisor.Shutdown()

	return s.server.Stop(ctx)
}
