package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/flagx"
)

var knownFlags = []string{"-a", "-d", "-s", "-l", "-u", "-p", "-b", "-g", "-e", "-o", "-r", "-k", "-t", "-ttl"}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   admin JWT secret
//	-l string   log level
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-o string   local storage directory
//	-r string   Redis address for broadcasts
//	-k string   Telegram bot token
//	-t int      Telegram chat id
//	-ttl int    tracker retention of completed sessions, minutes
//
// Only recognised flags are parsed (see flagx.FilterArgs), so the JSON
// config flags can share the command line.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], knownFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.AdminSecret, "s", config.AdminSecret, "admin token secret")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.StorageDir, "o", config.StorageDir, "local storage directory")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.StringVar(&config.TelegramToken, "k", config.TelegramToken, "telegram bot token")
	fs.Int64Var(&config.TelegramChatID, "t", config.TelegramChatID, "telegram chat id")

	trackerTTL := fs.Int("ttl", int(config.TrackerTTL.Minutes()), "tracker retention of completed sessions (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TrackerTTL = time.Duration(*trackerTTL) * time.Minute
}
