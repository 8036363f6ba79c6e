package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"coursechat/internal/auth"
	"coursechat/internal/chat"
	"coursechat/internal/conversation"
	"coursechat/internal/presence"
	"coursechat/internal/restapi"
	"coursechat/internal/transport"
	"coursechat/pkg/types"
)

// =============================================================================
// Chat Client Command
// =============================================================================

func buildChatCmd(opts *rootOptions) *cobra.Command {
	var (
		peer      string
		serverURL string
		userID    string
		name      string
		role      string
		token     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a student or instructor from the terminal",
		Long: `Open the conversation with --peer and chat interactively.

Lines are sent as messages. Commands:
  /retry     resend messages that failed
  /who       show the peer's presence
  /contacts  list users on the other side
  /chats     list your conversations
  /quit      leave

Without --token a development token is signed with auth.secret.`,
		Example: `  coursechat chat --user u1 --role student --peer i1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := opts.cfg.Client
			setFlag(&client.ServerURL, serverURL)
			setFlag(&client.UserID, userID)
			setFlag(&client.UserName, name)
			setFlag(&client.Role, role)
			setFlag(&client.Token, token)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChatClient(ctx, opts, peer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&peer, "peer", "", "User ID of the other party")
	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (default client.server_url)")
	cmd.Flags().StringVar(&userID, "user", "", "Your user ID (default client.user_id)")
	cmd.Flags().StringVar(&name, "name", "", "Your display name for a development token")
	cmd.Flags().StringVar(&role, "role", "", "Your role: student or instructor (default client.role)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default client.token)")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func setFlag(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// runChatClient wires the session, REST client, transport and manager, then
// runs the interactive loop until EOF, /quit or cancellation
func runChatClient(ctx context.Context, opts *rootOptions, peer string, in io.Reader, out io.Writer) error {
	client := opts.cfg.Client
	role, err := types.ParseRole(client.Role)
	if err != nil {
		return err
	}

	token := client.Token
	if token == "" && opts.cfg.Auth.Secret != "" {
		token, err = issueToken(opts, client.UserID, client.UserName, client.Role, 0)
		if err != nil {
			return fmt.Errorf("sign development token: %w", err)
		}
	}

	session, err := auth.NewSession(client.UserID, role, token)
	if err != nil {
		return err
	}

	logger := opts.logger
	api, err := restapi.New(client.ServerURL, restapi.WithToken(session.Token), restapi.WithLogger(logger))
	if err != nil {
		return err
	}
	tr, err := transport.NewClient(transport.Config{URL: strings.TrimRight(client.ServerURL, "/") + opts.cfg.WebSocket.Path, Token: session.Token, Logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	manager, err := chat.NewManager(chat.Config{
		Session:   session,
		API:       api,
		Transport: tr,
		Tracker:   presence.NewTracker(presence.WithStaleAfter(opts.cfg.Presence.StaleAfter), presence.WithLogger(logger)),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	if err := manager.Start(ctx); err != nil {
		return err
	}
	return newREPL(manager, session.UserID, peer, out).run(ctx, in)
}

// chatClient is the part of chat.Manager the terminal loop drives
type chatClient interface {
	OpenChat(ctx context.Context, otherID string) (*types.Conversation, error)
	SendMessage(ctx context.Context, text string) (*conversation.Outbound, error)
	RetrySend(ctx context.Context, localID string) (*conversation.Outbound, error)
	Outbox() []conversation.Outbound
	Messages() []*types.Message
	GetUserStatus(userID string) types.Presence
	ListContacts(ctx context.Context) ([]*types.UserSummary, error)
	ListConversations(ctx context.Context) ([]*types.Conversation, error)
	Watch(fn func(chat.Update)) (cancel func())
}

type repl struct {
	client chatClient
	self   string
	peer   string

	mu  sync.Mutex
	out io.Writer
}

func newREPL(client chatClient, self, peer string, out io.Writer) *repl {
	return &repl{client: client, self: self, peer: peer, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	conv, err := r.client.OpenChat(ctx, r.peer)
	if err != nil {
		return err
	}
	r.printf("chatting with %s (%s)\n", r.peer, conv.ID)
	for _, msg := range r.client.Messages() {
		r.printMessage(msg)
	}
	r.printPresence(r.client.GetUserStatus(r.peer))

	stop := r.client.Watch(r.onUpdate)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line and reports whether the loop should end
func (r *repl) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/retry":
		r.retryFailed(ctx)
	case line == "/who":
		r.printPresence(r.client.GetUserStatus(r.peer))
	case line == "/contacts":
		r.listContacts(ctx)
	case line == "/chats":
		r.listChats(ctx)
	case strings.HasPrefix(line, "/"):
		r.printf("unknown command %s\n", line)
	default:
		if _, err := r.client.SendMessage(ctx, line); err != nil {
			r.printf("! send failed: %v (use /retry)\n", err)
		}
	}
	return false
}

func (r *repl) onUpdate(u chat.Update) {
	switch u.Kind {
	case chat.MessageReceived:
		r.printMessage(u.Message)
	case chat.PresenceChanged:
		if u.UserID == r.peer {
			r.printPresence(u.Presence)
		}
	}
}

func (r *repl) retryFailed(ctx context.Context) {
	retried := 0
	for _, ob := range r.client.Outbox() {
		if ob.State != conversation.Failed {
			continue
		}
		retried++
		if _, err := r.client.RetrySend(ctx, ob.LocalID); err != nil {
			r.printf("! retry failed for %q: %v\n", ob.Text, err)
		}
	}
	if retried == 0 {
		r.printf("nothing to retry\n")
	}
}

func (r *repl) listContacts(ctx context.Context) {
	users, err := r.client.ListContacts(ctx)
	if err != nil {
		r.printf("! %v\n", err)
		return
	}
	for _, u := range users {
		status := "offline"
		if u.IsOnline {
			status = "online"
		}
		r.printf("  %-20s %-24s %s\n", u.ID, u.UserName, status)
	}
}

func (r *repl) listChats(ctx context.Context) {
	convs, err := r.client.ListConversations(ctx)
	if err != nil {
		r.printf("! %v\n", err)
		return
	}
	for _, c := range convs {
		r.printf("  %s with %s\n", c.ID, c.Other(r.self))
	}
}

func (r *repl) printMessage(msg *types.Message) {
	if msg == nil {
		return
	}
	who := msg.SenderID
	if who == r.self {
		who = "you"
	}
	r.printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), who, msg.Text)
}

func (r *repl) printPresence(p types.Presence) {
	switch {
	case p.IsOnline:
		r.printf("* %s is online\n", r.peer)
	case p.LastSeen != nil:
		r.printf("* %s is offline, last seen %s\n", r.peer, p.LastSeen.Local().Format(time.DateTime))
	default:
		r.printf("* %s is offline\n", r.peer)
	}
}
