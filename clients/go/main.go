// guildscope CLI - command line client for the guildscope debugging API
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/guildscope/guildscope/clients/go/guildscope"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("GUILDSCOPE_URL")
	client := guildscope.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.GetHealth()
		exitOnError(err)
		printJSON(resp)

	case "guilds":
		guilds, meta, err := client.ListGuilds(50, 0)
		exitOnError(err)
		for _, g := range guilds {
			fmt.Printf("  %-30s %-8s %d topics\n", g.ID, g.Status, g.TopicCount)
		}
		if meta != nil && meta.HasMore {
			fmt.Printf("  ... %d more\n", meta.Total-len(guilds))
		}

	case "topics":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope topics <guild_id>")
			os.Exit(1)
		}
		topics, err := client.ListTopics(os.Args[2])
		exitOnError(err)
		for _, t := range topics {
			fmt.Printf("  %-30s %-10s %d msgs\n", t.Name, t.Type, t.MessageCount)
		}

	case "read":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope read <guild_id> <topic>")
			os.Exit(1)
		}
		messages, meta, err := client.GetMessages(os.Args[2], os.Args[3], guildscope.MessageQuery{Limit: 20})
		exitOnError(err)
		for _, msg := range messages {
			ts := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %s %s %s\n", ts, msg.ID, msg.Sender.Name, msg.Format)
		}
		if meta != nil && meta.HasMore {
			fmt.Printf("... %d total\n", meta.Total)
		}

	case "msg":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope msg <message_id>")
			os.Exit(1)
		}
		msg, err := client.GetMessage(os.Args[2])
		exitOnError(err)
		printJSON(msg)

	case "export":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope export <guild_id> <json|csv|ndjson>")
			os.Exit(1)
		}
		job, err := client.CreateExport(guildscope.ExportRequest{
			Filter: map[string]any{"guildId": os.Args[2]},
			Format: os.Args[3],
		})
		exitOnError(err)
		fmt.Printf("Export queued: %s\n", job.ExportID)

	case "export-status":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope export-status <export_id>")
			os.Exit(1)
		}
		job, err := client.ExportStatus(os.Args[2])
		exitOnError(err)
		printJSON(job)

	case "download":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope download <export_id>")
			os.Exit(1)
		}
		exitOnError(client.DownloadExport(os.Args[2], os.Stdout))

	case "watch":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: guildscope watch <guild_id> [topic...]")
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		stream, err := client.Subscribe(ctx, os.Args[2], os.Args[3:]...)
		exitOnError(err)
		defer stream.Close()

		for {
			select {
			case evt, ok := <-stream.Events():
				if !ok {
					return
				}
				ts := time.UnixMilli(evt.Message.Timestamp).Format("15:04:05")
				fmt.Printf("[%s] %s/%s %s %s\n", ts, evt.GuildID, evt.TopicName, evt.Message.ID, evt.Message.Format)
			case err := <-stream.Err():
				if err != nil && ctx.Err() == nil {
					exitOnError(err)
				}
				return
			}
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`guildscope CLI - multi-agent runtime debugger

Usage: guildscope <command> [options]

Commands:
  guilds                      List guilds
  topics <guild>              List a guild's topics
  read <guild> <topic>        Read recent messages, newest first
  msg <id>                    Fetch one message by ID
  watch <guild> [topic...]    Stream live messages
  export <guild> <format>     Start an export (json, csv, ndjson)
  export-status <id>          Poll an export job
  download <id>               Download a completed artifact to stdout
  health                      Check server health

Environment:
  GUILDSCOPE_URL   Server URL (default: http://localhost:8080)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
