package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mirachat/mira/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(profile))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: miractl send <conversation> <text>")
			os.Exit(1)
		}
		cmdSend(c, args[1], args[2], *jsonFlag)
	case "sync":
		includeParked := len(args) >= 2 && args[1] == "--include-parked"
		cmdSync(c, includeParked, *jsonFlag)
	case "conversations":
		cmdConversations(c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: miractl messages <conversation>")
			os.Exit(1)
		}
		cmdMessages(c, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: miractl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show daemon status")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text> Queue a message for delivery")
	fmt.Fprintln(os.Stderr, "  sync [--include-parked]    Drain the outbox and pull new messages")
	fmt.Fprintln(os.Stderr, "  conversations              List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conversation>    Show recent messages")
}

// client talks to mirad over the profile's unix socket.
type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *client) call(method, path string, body any) map[string]any {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://unix"+path, reader)
	if err != nil {
		fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "is mirad running for this profile?")
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		fatal(err)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "error: %v\n", result["error"])
		os.Exit(1)
	}
	return result
}

func cmdStatus(c *client, jsonOut bool) {
	result := c.call(http.MethodGet, "/v1/status", nil)
	if jsonOut {
		outputJSON(result)
		return
	}
	fmt.Printf("Profile: %v\n", result["profile"])
	fmt.Printf("State:   %v\n", result["state"])
	fmt.Printf("Outbox:  %v queued, %v parked\n", result["outbox_queued"], result["outbox_parked"])
	fmt.Printf("Uptime:  %vms\n", result["uptime_ms"])
}

func cmdSend(c *client, conversation, text string, jsonOut bool) {
	result := c.call(http.MethodPost, "/v1/send", map[string]any{
		"conversation_id": conversation,
		"body":            text,
	})
	if jsonOut {
		outputJSON(result)
		return
	}
	fmt.Printf("Queued %v (status %v)\n", result["LocalID"], result["SyncStatus"])
}

func cmdSync(c *client, includeParked, jsonOut bool) {
	result := c.call(http.MethodPost, "/v1/sync", map[string]any{
		"include_parked": includeParked,
	})
	if jsonOut {
		outputJSON(result)
		return
	}
	fmt.Printf("Delivered: %v\n", result["delivered"])
	fmt.Printf("Retried:   %v\n", result["retried"])
	fmt.Printf("Parked:    %v\n", result["parked"])
	fmt.Printf("Pulled:    %v (absorbed %v)\n", result["pulled"], result["absorbed"])
}

func cmdConversations(c *client, jsonOut bool) {
	result := c.call(http.MethodGet, "/v1/conversations", nil)
	if jsonOut {
		outputJSON(result)
		return
	}
	convs, _ := result["conversations"].([]any)
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, raw := range convs {
		conv, _ := raw.(map[string]any)
		fmt.Printf("%-36v %v\n", conv["ID"], conv["LastMessagePreview"])
	}
}

func cmdMessages(c *client, conversation string, jsonOut bool) {
	result := c.call(http.MethodGet, "/v1/conversations/"+conversation+"/messages", nil)
	if jsonOut {
		outputJSON(result)
		return
	}
	msgs, _ := result["messages"].([]any)
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, raw := range msgs {
		msg, _ := raw.(map[string]any)
		fmt.Printf("[%v] %v: %v\n", msg["SyncStatus"], msg["SenderID"], msg["Body"])
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
