// Copyright (C) 2023 olix3001

// Package config is a singleton and provides global access to the
// configuration values.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/daafs/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Backend   string `toml:"backend" env:"DAAFS_BACKEND" env-default:"discord" env-description:"Message channel backend: discord, s3, badger or mem."`
	Size      int64  `toml:"size" env:"DAAFS_SIZE" env-default:"1" env-description:"Device size in GB."`
	PageSize  int    `toml:"page_size" env:"DAAFS_PAGESIZE" env-default:"4096" env-description:"Page size in bytes. One page maps to one channel message."`
	CacheSize int    `toml:"cache_size" env:"DAAFS_CACHESIZE" env-default:"4" env-description:"Page cache capacity in pages."`
	QueueSize int    `toml:"queue_size" env:"DAAFS_QUEUESIZE" env-default:"4" env-description:"Sync queue capacity in pages."`
	BootScan  int    `toml:"boot_scan" env:"DAAFS_BOOTSCAN" env-default:"256" env-description:"How many recent messages to scan for metablocks on startup."`

	NBD struct {
		Listen string `toml:"listen" env:"DAAFS_NBD_LISTEN" env-default:":10809" env-description:"Address the NBD server listens on."`
		Export string `toml:"export" env:"DAAFS_NBD_EXPORT" env-default:"daafs" env-description:"NBD export name."`
	} `toml:"nbd"`

	Discord struct {
		Token        string `toml:"token" env:"DAAFS_DISCORD_TOKEN" env-default:"" env-description:"Discord bot token."`
		Channel      string `toml:"channel" env:"DAAFS_DISCORD_CHANNEL" env-default:"" env-description:"Discord channel id used as the backing store."`
		PayloadLimit int    `toml:"payload_limit" env:"DAAFS_DISCORD_LIMIT" env-default:"8" env-description:"Attachment size limit in MB."`
	} `toml:"discord"`

	S3 struct {
		Bucket    string `toml:"bucket" env:"DAAFS_S3_BUCKET" env-description:"S3 Bucket name." env-default:"daafs"`
		Remote    string `toml:"remote" env:"DAAFS_S3_REMOTE" env-description:"S3 Remote address. Empty string for AWS S3 endpoint." env-default:""`
		Region    string `toml:"region" env:"DAAFS_S3_REGION" env-description:"S3 Region." env-default:"us-east-1"`
		AccessKey string `toml:"access_key" env:"DAAFS_S3_ACCESSKEY" env-description:"S3 Access Key." env-default:""`
		SecretKey string `toml:"secret_key" env:"DAAFS_S3_SECRETKEY" env-description:"S3 Secret Key." env-default:""`
	} `toml:"s3"`

	Badger struct {
		Dir string `toml:"dir" env:"DAAFS_BADGER_DIR" env-default:"/var/lib/daafs" env-description:"Directory for the local badger channel."`
	} `toml:"badger"`

	Chat struct {
		Senders    int `toml:"senders" env:"DAAFS_CHAT_SENDERS" env-description:"Max number of sender threads." env-default:"4"`
		Fetchers   int `toml:"fetchers" env:"DAAFS_CHAT_FETCHERS" env-description:"Max number of fetcher threads." env-default:"4"`
		RetryLimit int `toml:"retry_limit" env:"DAAFS_CHAT_RETRYLIMIT" env-description:"Upper bound in seconds for retrying a transient channel error." env-default:"60"`
	} `toml:"chat"`

	Log struct {
		Level  int  `toml:"level" env:"DAAFS_LOG_LEVEL" env-description:"Log level." env-default:"1"`
		Pretty bool `toml:"pretty" env:"DAAFS_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Web struct {
		Enable bool `toml:"enable" env:"DAAFS_WEB_ENABLE" env-default:"false" env-description:"Enable the status HTTP server."`
		Port   int  `toml:"port" env:"DAAFS_WEB_PORT" env-default:"8532" env-description:"Port for the status HTTP server."`
	} `toml:"web"`

	Profiler     bool `toml:"profiler" env:"DAAFS_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"DAAFS_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment variables have
// the highest priority. It is perfectly fine to use just one of these or to
// combine them.
func Configure() error {
	flagSetup()
	err := parse()

	return err
}

// Parse the configuration file and reads the environment variable. After that
// it does some values postprocessing and fills the Cfg structure.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Size *= 1024 * 1024 * 1024
	Cfg.Discord.PayloadLimit *= 1024 * 1024

	if Cfg.PageSize != 512 {
		Cfg.PageSize = 4096
	}

	return nil
}

// Handle program flags.
func flagSetup() {
	f := flag.NewFlagSet("daafs", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])
}
