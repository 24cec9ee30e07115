// cmd/peer is the CLI entry-point for a room participant, built with
// Cobra to mirror the teacher's cmd/client structure — one root
// command, one subcommand per user-facing action.
//
// Usage:
//
//	roompeer attach --relay ws://localhost:8080 --room design-review --user alice --token <jwt>
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"roomrelay/internal/client"
	"roomrelay/internal/peer"
	"roomrelay/internal/persistence"
	"roomrelay/internal/rtime"
	"roomrelay/internal/transport"
	"roomrelay/internal/wire"
)

var (
	relayURL  string
	roomID    string
	username  string
	token     string
	persistDir string
)

func main() {
	root := &cobra.Command{
		Use:   "roompeer",
		Short: "Attach to a room and exchange chat/voting events with other peers",
	}
	root.PersistentFlags().StringVar(&relayURL, "relay", "ws://localhost:8080", "relay base URL")
	root.PersistentFlags().StringVar(&roomID, "room", "", "room id to attach to")
	root.PersistentFlags().StringVar(&username, "user", "", "this peer's username")
	root.PersistentFlags().StringVar(&token, "token", "", "bearer JWT issued by /api/auth/login")
	root.PersistentFlags().StringVar(&persistDir, "data-dir", "./data/peer", "local room-state persistence directory")

	root.AddCommand(attachCmd(), registerCmd(), loginCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// httpBaseURL turns the peer's ws(s):// relay URL into the http(s)://
// base the auth client needs, since /api/auth lives on the same host.
func httpBaseURL() string {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return "https://" + strings.TrimPrefix(relayURL, "wss://")
	case strings.HasPrefix(relayURL, "ws://"):
		return "http://" + strings.TrimPrefix(relayURL, "ws://")
	default:
		return relayURL
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register a new username and print its TOTP secret/QR URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--user is required")
			}
			c := client.New(httpBaseURL(), 0)
			resp, err := c.Register(context.Background(), username)
			if err != nil {
				return err
			}
			fmt.Printf("%s\nsecret:      %s\notpauth_url: %s\nqr_code_base64 (%d bytes)\n",
				resp.Message, resp.Secret, resp.OTPAuthURL, len(resp.QRCodeBase64))
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange a username and TOTP code for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || code == "" {
				return fmt.Errorf("--user and --code are required")
			}
			c := client.New(httpBaseURL(), 0)
			resp, err := c.Login(context.Background(), username, code)
			if err != nil {
				return err
			}
			fmt.Printf("token: %s\n", resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "current TOTP code")
	return cmd
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Attach to a room and run an interactive chat/voting session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID == "" || username == "" || token == "" {
				return fmt.Errorf("--room, --user and --token are required")
			}

			store, err := persistence.Open(persistDir)
			if err != nil {
				return fmt.Errorf("open persistence: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			url := transport.AttachURL(relayURL, roomID, token)
			conn := transport.Dial(ctx, url, http.Header{})
			defer conn.Close()

			room, err := peer.New(username, roomID, conn, store, rtime.Real(), nil)
			if err != nil {
				return fmt.Errorf("init room: %w", err)
			}

			go room.Run(ctx)
			go runStdinCommands(ctx, room, username)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			return nil
		},
	}
}

// runStdinCommands is a minimal line-oriented UI: anything typed at
// the prompt is sent as a chat message unless it starts with "/",
// which introduces a small set of slash commands for voting and
// conflict resolution. This stands in for the draggable-window UI the
// spec excludes as an external collaborator (§1 Non-goals/§6).
func runStdinCommands(ctx context.Context, room *peer.Room, self string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			sendCommand(ctx, room, peer.Command{Chat: &peer.ChatCommand{Body: line}})
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/vote-start":
			if len(fields) < 2 {
				fmt.Println("usage: /vote-start <question> [option1 option2 ...]")
				continue
			}
			opts := fields[2:]
			if len(opts) == 0 {
				opts = []string{"Yes", "No"}
			}
			options := make([]wire.VotingOption, 0, len(opts))
			for i, text := range opts {
				options = append(options, wire.VotingOption{ID: fmt.Sprintf("opt-%d", i), Text: text})
			}
			sendCommand(ctx, room, peer.Command{StartVoting: &peer.StartVotingCommand{
				Question: fields[1],
				Options:  options,
				Type:     wire.VotingSingleChoice,
			}})

		case "/vote-cast":
			if len(fields) < 3 {
				fmt.Println("usage: /vote-cast <voting_id> <option_id>")
				continue
			}
			sendCommand(ctx, room, peer.Command{Cast: &wire.VotingCastPayload{
				VotingID:          fields[1],
				User:              self,
				SelectedOptionIDs: fields[2:],
			}})

		case "/resolve-relocate":
			if len(fields) < 2 {
				fmt.Println("usage: /resolve-relocate <new_room_id>")
				continue
			}
			newRoom := fields[1]
			sendCommand(ctx, room, peer.Command{ResolveRelocate: &newRoom})

		case "/resolve-force":
			sendCommand(ctx, room, peer.Command{ResolveForce: true})

		case "/resolve-discard":
			sendCommand(ctx, room, peer.Command{ResolveDiscard: true})

		default:
			fmt.Printf("unknown command %q\n", fields[0])
		}
	}
}

func sendCommand(ctx context.Context, room *peer.Room, cmd peer.Command) {
	select {
	case room.Commands() <- cmd:
	case <-ctx.Done():
	}
}
