// Command mcp-reminder exposes the reminder engine as MCP tools over
// stdio, so an assistant can create, list and resolve reminders.
//
// It shares nagbot's configuration and store. It does not sweep due
// reminders; run `nagbot run` alongside it for that.
//
// Usage:
//
//	./mcp-reminder                    # Start MCP server (stdio)
//	./mcp-reminder --config path.yaml # Use another config file
//	./mcp-reminder --help             # Show help
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/notexe/nagbot/internal/app"
	"github.com/notexe/nagbot/internal/config"
	"github.com/notexe/nagbot/internal/logging"
	"github.com/notexe/nagbot/internal/reminder"
)

func main() {
	configPath := flag.String("config", config.GetDefaultConfigPath(), "Path to configuration file")
	flag.Usage = printHelp
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	// Tools only touch the store; deliveries happen in the daemon.
	cfg.Telegram.Enabled = false
	cfg.Notify.DBus = false
	cfg.Notify.Log = true
	cfg.HTTP.Enabled = false
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// zap writes to stderr, stdout carries the protocol.
	log, sync, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open reminder store: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	s := reminder.NewServer(a.Engine)

	if err := server.ServeStdio(s.MCPServer()); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintln(os.Stderr, `MCP Reminder Server - Escalating reminders via MCP protocol

USAGE:
    mcp-reminder                     Start MCP server (communicates via stdio)
    mcp-reminder --config <path>     Use another config file (default: ~/.nagbot/config.yaml)
    mcp-reminder --help              Show this help

ENVIRONMENT:
    NAGBOT_DB_PATH                   Path to SQLite database file
    NAGBOT_STORE__DRIVER             memory, sqlite, postgres or nats

TOOLS:
    create_reminder               Create a reminder (owner_id, subject_ref, due_at, priority, title)
    list_active_reminders         List an owner's active reminders
    acknowledge_reminder          Mark a reminder as done
    cancel_reminder               Cancel a reminder
    cancel_reminder_for_subject   Cancel the active reminder for an owner's subject
    snooze_reminder               Push the next notification back by a duration
    reschedule_reminder           Move a reminder to a new due time`)
}
