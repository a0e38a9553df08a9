package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"msg_relay/client"
	commonauth "msg_relay/server/common/auth"
	"msg_relay/server/relay/wire"
)

type options struct {
	url      string
	token    string
	secret   string
	userID   string
	to       string
	message  string
	readConv string
	listen   time.Duration
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.url, "url", "ws://localhost:8080/ws", "relay websocket URL")
	flag.StringVar(&o.token, "token", "", "bearer token; the relay pre-joins its subject")
	flag.StringVar(&o.secret, "secret", "", "JWT secret used to mint a token for -user when -token is empty")
	flag.StringVar(&o.userID, "user", "", "identity to join as")
	flag.StringVar(&o.to, "to", "", "receiver of -message")
	flag.StringVar(&o.message, "message", "", "message text to send")
	flag.StringVar(&o.readConv, "read", "", "conversation id to mark as read")
	flag.DurationVar(&o.listen, "listen", 0, "keep printing events for this long (0 exits once sends settle)")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()
	if o.userID == "" && o.token == "" {
		fmt.Fprintln(os.Stderr, "relayctl: -user or -token is required")
		os.Exit(2)
	}
	if o.token == "" && o.secret != "" {
		tok, err := commonauth.NewService(o.secret, 60).GenerateToken(o.userID, o.userID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: mint token: %v\n", err)
			os.Exit(2)
		}
		o.token = tok
	}

	settled := make(chan client.Entry, 1)
	connected := make(chan struct{}, 1)
	c := client.New(client.Options{URL: o.url, Token: o.token, UserID: o.userID}, client.Handlers{
		OnConnect: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnMessage: func(v wire.MessageView) {
			if !v.IsEcho {
				fmt.Printf("message id=%s from=%s conversation=%s: %s\n", v.ID, v.SenderID, v.ConversationID, v.Content)
			}
		},
		OnSendState: func(e client.Entry) {
			fmt.Printf("send client_id=%s state=%s status=%s message_id=%s\n", e.ClientMessageID, e.State, e.Status, e.MessageID)
			if e.State != client.StatePending {
				select {
				case settled <- e:
				default:
				}
			}
		},
		OnRead: func(v wire.MessagesRead) {
			fmt.Printf("read conversation=%s by=%s messages=%d\n", v.ConversationID, v.ReaderID, len(v.MessageIDs))
		},
		OnPresence: func(v wire.Presence) { fmt.Printf("online %v\n", v.Users) },
		OnTyping:   func(v wire.UserTyping) { fmt.Printf("typing from=%s on=%t\n", v.UserID, v.IsTyping) },
		OnError:    func(v wire.Error) { fmt.Printf("error code=%s ref=%s: %s\n", v.Code, v.Ref, v.Message) },
		OnDisconnect: func(err error) {
			fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case <-connected:
	case err := <-runErr:
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	case <-ctx.Done():
		return
	}

	if o.readConv != "" {
		if err := c.MarkRead(o.readConv); err != nil {
			fmt.Fprintf(os.Stderr, "relayctl: mark read: %v\n", err)
		}
	}
	if o.message != "" && o.to != "" {
		c.Send(o.to, o.message)
		if o.listen == 0 {
			select {
			case <-settled:
			case <-ctx.Done():
			case <-time.After(30 * time.Second):
				fmt.Fprintln(os.Stderr, "relayctl: timed out waiting for ack")
			}
		}
	}
	if o.listen > 0 {
		select {
		case <-time.After(o.listen):
		case <-ctx.Done():
		}
	}
	c.Close()
	<-runErr
}
