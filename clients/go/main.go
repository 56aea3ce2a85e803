// Worklane CLI - command line client for the Worklane messaging API
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/worklane-hq/worklane-messaging/clients/go/worklane"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("WORKLANE_URL")
	if baseURL == "" {
		baseURL = "https://messaging.worklane.dev"
	}

	client := worklane.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "conversations":
		resp, err := client.ListConversations()
		exitOnError(err)
		for _, c := range resp.Conversations {
			marker := " "
			if c.PinnedByUser(client.UserID) {
				marker = "*"
			}
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Content
			}
			fmt.Printf("%s %s  %-20s unread=%-3d %s\n", marker, c.ID, c.Peer.DisplayName, c.UnreadCount, preview)
		}

	case "open":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: worklane open <user_id> [job_id]")
			os.Exit(1)
		}
		jobID := ""
		if len(os.Args) > 3 {
			jobID = os.Args[3]
		}
		resp, err := client.OpenConversation(os.Args[2], jobID)
		exitOnError(err)
		state := "existing"
		if resp.Created {
			state = "created"
		}
		fmt.Printf("%s conversation: %s\n", state, resp.Conversation.ID)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: worklane read <conversation_id>")
			os.Exit(1)
		}
		resp, err := client.GetMessages(os.Args[2], 1, 50)
		exitOnError(err)
		for _, msg := range resp.Messages {
			printMessage(msg)
		}

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: worklane send <conversation_id> <message>")
			os.Exit(1)
		}
		msg, err := client.SendMessage(os.Args[2], os.Args[3], nil, "")
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "edit":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: worklane edit <message_id> <content>")
			os.Exit(1)
		}
		msg, err := client.EditMessage(os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("Edited: %s\n", msg.ID)

	case "delete":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: worklane delete <message_id>")
			os.Exit(1)
		}
		exitOnError(client.DeleteMessage(os.Args[2]))
		fmt.Println("Deleted")

	case "react":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: worklane react <message_id> <emoji>")
			os.Exit(1)
		}
		resp, err := client.ToggleReaction(os.Args[2], os.Args[3])
		exitOnError(err)
		for _, r := range resp.Reactions {
			fmt.Printf("%s %s\n", r.Emoji, r.UserID)
		}

	case "flag":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: worklane flag <conversation_id> <pinned|archived|muted>")
			os.Exit(1)
		}
		resp, err := client.ToggleConversationFlag(os.Args[2], os.Args[3])
		exitOnError(err)
		fmt.Printf("%s: %v\n", resp.Flag, resp.Set)

	case "notifications":
		resp, err := client.ListNotifications(20)
		exitOnError(err)
		for _, n := range resp.Notifications {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s [%s] %s — %s\n", marker, n.Kind, n.Title, n.Body)
		}

	case "presence":
		resp, err := client.Presence()
		exitOnError(err)
		for _, id := range resp.Online {
			fmt.Println(id)
		}

	case "watch":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: worklane watch <conversation_id>")
			os.Exit(1)
		}
		watch(client, os.Args[2])

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// watch streams a conversation live until interrupted.
func watch(client *worklane.Client, conversationID string) {
	rt := worklane.NewRealtimeClient(client, nil)
	syncer := worklane.NewSyncer(client, rt, worklane.SyncerCallbacks{
		OnMessagesChanged: func(msgs []worklane.Message) {
			if len(msgs) > 0 {
				printMessage(msgs[len(msgs)-1])
			}
		},
		OnTypingChanged: func(users []string) {
			if len(users) > 0 {
				fmt.Printf("... %v typing\n", users)
			}
		},
		OnPresenceChanged: func(userID string, online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			fmt.Printf("--- %s is %s\n", userID, state)
		},
		OnNotification: func(n worklane.Notification) {
			fmt.Printf("!!! [%s] %s\n", n.Kind, n.Title)
		},
	})

	ctx := context.Background()
	exitOnError(syncer.Start(ctx))
	exitOnError(syncer.Open(ctx, conversationID))
	defer syncer.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func printMessage(msg worklane.Message) {
	ts := msg.CreatedAt.Format("2006-01-02 15:04:05")
	from := msg.SenderID
	if msg.Sender != nil {
		from = msg.Sender.DisplayName
	} else if len(from) > 8 {
		from = from[:8]
	}
	suffix := ""
	if msg.Pending {
		suffix = " (sending...)"
	} else if msg.Edited {
		suffix = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", ts, from, msg.Content, suffix)
}

func usage() {
	fmt.Println(`Worklane CLI - freelance marketplace messaging

Usage: worklane <command> [options]

Commands:
  conversations                    List conversations
  open <user_id> [job_id]          Find or create a conversation
  read <conversation_id>           Read messages (marks them read)
  send <conversation_id> <text>    Send a message
  edit <message_id> <text>         Edit your message
  delete <message_id>              Delete your message
  react <message_id> <emoji>       Toggle a reaction
  flag <conversation_id> <flag>    Toggle pinned, archived or muted
  notifications                    List notifications
  presence                         List online conversation partners
  watch <conversation_id>          Stream a conversation live
  health                           Check server health

Environment:
  WORKLANE_URL      Server URL (default: https://messaging.worklane.dev)
  WORKLANE_CONFIG   Config directory (default: ~/.worklane)`)
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
