// Copyright (C) 2023 olix3001

// daafs is a userspace daemon exporting a block device over NBD whose pages
// live as messages in a remote chat channel. The channel backend is
// pluggable and Discord is the default. It is designed for easy extension of
// all the important parts, so the chat backend can be replaced by S3, a local
// Badger database or any other ordered message store.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/daafs contains the storage engine: the page cache, the sync
// queue with its background worker and the metablock index. See the package
// descriptions in the source code for more details.
//
// - internal/chat contains the channel abstraction, the worker proxy in front
// of it and the concrete backends (discordchat, s3chat, badgerchat, memchat).
//
// - internal/nbd serves the block device to the kernel NBD client.
//
// - internal/web is an optional HTTP status endpoint.
//
// - internal/config contains configuration package which is common for all
// backends.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/olix3001/DAAFS/internal/chat"
	"github.com/olix3001/DAAFS/internal/chat/badgerchat"
	"github.com/olix3001/DAAFS/internal/chat/discordchat"
	"github.com/olix3001/DAAFS/internal/chat/memchat"
	"github.com/olix3001/DAAFS/internal/chat/s3chat"
	"github.com/olix3001/DAAFS/internal/config"
	"github.com/olix3001/DAAFS/internal/daafs"
	"github.com/olix3001/DAAFS/internal/nbd"
	"github.com/olix3001/DAAFS/internal/web"
)

// Parse configuration from file and environment variables, open the block
// store on the configured chat backend and serve it over NBD. The device is
// ran until it is signaled by SIGINT or SIGTERM to gracefully finish, which
// flushes all dirty pages back to the channel.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	channel, err := getChannel(config.Cfg.Backend)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	proxy := chat.NewProxy(channel,
		config.Cfg.Chat.Senders,
		config.Cfg.Chat.Fetchers,
		time.Duration(config.Cfg.Chat.RetryLimit)*time.Second)

	store, err := daafs.Open(proxy, daafs.Options{
		Size:      config.Cfg.Size,
		PageSize:  config.Cfg.PageSize,
		CacheSize: config.Cfg.CacheSize,
		QueueSize: config.Cfg.QueueSize,
		BootScan:  config.Cfg.BootScan,
	})
	if err != nil {
		log.Panic().Err(err).Send()
	}

	if config.Cfg.Web.Enable {
		go func() {
			err := web.New(store).Run(config.Cfg.Web.Port)
			log.Error().Err(err).Msg("Status server stopped")
		}()
	}

	server := nbd.New(config.Cfg.NBD.Export, store, config.Cfg.PageSize)

	registerSigHandlers(server)

	log.Info().Msgf("Exporting %q on %s", config.Cfg.NBD.Export, config.Cfg.NBD.Listen)

	if err := server.Run(config.Cfg.NBD.Listen); err != nil {
		log.Error().Err(err).Msg("NBD server stopped")
	}

	log.Info().Msg("Flushing and closing the device")
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Close failed, some pages may not be persisted")
		os.Exit(1)
	}
}

// Return the chat backend the user asked for. Discord is the default.
func getChannel(backend string) (chat.Channel, error) {
	switch backend {
	case "discord":
		return discordchat.New(discordchat.Options{
			Token:        config.Cfg.Discord.Token,
			ChannelID:    config.Cfg.Discord.Channel,
			PayloadLimit: config.Cfg.Discord.PayloadLimit,
		})
	case "s3":
		return s3chat.New(s3chat.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
	case "badger":
		return badgerchat.New(config.Cfg.Badger.Dir)
	case "mem":
		return memchat.New(), nil
	}

	return nil, fmt.Errorf("unknown backend %q", backend)
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(server *nbd.Server) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("Received interrupt, stopping NBD server")
		server.Stop()
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
