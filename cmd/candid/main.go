package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/GovThePPL/candid-sub002/internal/chat"
	"github.com/GovThePPL/candid-sub002/internal/config"
	"github.com/GovThePPL/candid-sub002/internal/logging"
	"github.com/GovThePPL/candid-sub002/internal/pending"
	"github.com/GovThePPL/candid-sub002/internal/protocol"
	"github.com/GovThePPL/candid-sub002/internal/rest"
	"github.com/GovThePPL/candid-sub002/internal/store"
	"github.com/GovThePPL/candid-sub002/internal/transport/ws"
)

const actionTimeout = 10 * time.Second

// app ties the interactive client together: one identity, at most one
// pending request, and at most one open chat at a time.
type app struct {
	self    chat.User
	api     *rest.Client
	channel *ws.Client
	manager *pending.Manager

	mu         sync.Mutex
	session    *chat.Session
	renderDone chan struct{}

	// Rendering state for the open session. printed tracks which
	// timeline entries are on screen and in which negotiation state,
	// so proposal transitions reprint.
	printed     map[string]chat.MessageType
	typingShown bool
	endedShown  bool
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	token := flag.String("token", "", "bearer token (overrides config)")
	name := flag.String("name", "", "display name (overrides config)")
	flag.Parse()

	log.SetFlags(log.Ltime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *token != "" {
		cfg.Auth.Token = *token
	}
	if *name != "" {
		cfg.Auth.Name = *name
	}
	if cfg.Auth.Token == "" {
		log.Fatal("An auth token is required: pass -token or set CANDID_AUTH_TOKEN")
	}

	if err := logging.Init(cfg.Logger.Options()); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	kv, err := store.OpenBolt(cfg.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open local store: %v", err)
	}
	defer kv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Printf("Connecting to %s...\n", cfg.Server.WSURL)

	channel := ws.NewClient(cfg.Server.WSURL, cfg.Auth.Name)
	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	err = channel.Connect(connectCtx, cfg.Auth.Token)
	connectCancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer channel.Disconnect()

	a := &app{
		self:    chat.User{ID: channel.UserID(), Name: cfg.Auth.Name},
		api:     rest.NewClient(cfg.Server.BaseURL, cfg.Auth.Token),
		channel: channel,
	}
	fmt.Printf("Connected as %s\n", a.selfName())

	a.manager = pending.NewManager(kv, a.api, pending.Hooks{
		Navigate: func(chatID string) {
			fmt.Printf("\nYour request was accepted. Joining chat %s...\n", chatID)
			// Navigate fires on the socket read loop; joining in place
			// would stall the loop the join answer arrives on.
			go a.openChat(chatID, chat.ModeLive, chat.User{})
		},
		Expired: func() {
			fmt.Print("\nYour chat request expired with no takers.\n> ")
		},
		Changed: func() { a.printCountdown() },
	}, nil)

	// Request lifecycle signals arrive over the socket and feed the
	// pending manager; the Navigate hook closes the loop.
	channel.Subscribe(protocol.EventChatAccepted, func(data json.RawMessage) {
		var d protocol.ChatAcceptedData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		a.manager.HandleAccepted(d.RequestID, d.ChatID)
	})
	channel.Subscribe(protocol.EventChatStarted, func(data json.RawMessage) {
		var d protocol.ChatStartedData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		a.manager.HandleStarted(d.RequestID, d.ChatID, d.Topic)
	})
	channel.Subscribe(protocol.EventChatDeclined, func(data json.RawMessage) {
		var d protocol.ChatDeclinedData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		a.manager.HandleDeclined(d.RequestID)
	})

	a.manager.Restore()
	go a.manager.Run(ctx)

	if req, ok := a.manager.Current(); ok {
		fmt.Printf("Restored pending request %s (%q), %ds left.\n",
			req.ID, req.Topic, int(a.manager.Remaining()/time.Second))
	}

	printHelp()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			a.closeSession()
			return
		default:
			if !scanner.Scan() {
				a.closeSession()
				return
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}
			if a.dispatch(ctx, input) {
				fmt.Println("Bye!")
				a.closeSession()
				return
			}
		}
	}
}

// dispatch handles one line of input and reports whether to quit.
func (a *app) dispatch(ctx context.Context, input string) bool {
	if !strings.HasPrefix(input, "/") {
		a.sendMessage(ctx, input)
		return false
	}

	cmd, arg := input, ""
	if i := strings.IndexByte(input, ' '); i >= 0 {
		cmd, arg = input[:i], strings.TrimSpace(input[i+1:])
	}

	switch cmd {
	case "/quit":
		return true
	case "/help":
		printHelp()
	case "/request":
		a.createRequest(ctx, arg)
	case "/cancel":
		a.cancelRequest(ctx)
	case "/list":
		a.listRequests(ctx)
	case "/accept":
		a.acceptRequest(ctx, arg)
	case "/decline":
		a.declineRequest(ctx, arg)
	case "/open":
		if arg == "" {
			fmt.Println("Usage: /open <chat id>")
			return false
		}
		a.openChat(arg, chat.ModeLive, chat.User{})
	case "/log":
		if arg == "" {
			fmt.Println("Usage: /log <chat id>")
			return false
		}
		a.openChat(arg, chat.ModeHistorical, chat.User{})
	case "/propose":
		a.createProposal(ctx, arg, false)
	case "/close":
		a.createProposal(ctx, arg, true)
	case "/agree":
		a.actOnProposal(ctx, "agree", arg)
	case "/reject":
		a.actOnProposal(ctx, "reject", arg)
	case "/modify":
		a.actOnProposal(ctx, "modify", arg)
	case "/leave":
		a.leaveChat(ctx)
	default:
		fmt.Printf("Unknown command %s. /help lists commands.\n", cmd)
	}
	return false
}

func (a *app) createRequest(ctx context.Context, arg string) {
	parts := strings.SplitN(arg, "|", 2)
	topic := strings.TrimSpace(parts[0])
	position := ""
	if len(parts) == 2 {
		position = strings.TrimSpace(parts[1])
	}
	if topic == "" {
		fmt.Println("Usage: /request <topic> | <your position>")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	req, err := a.manager.Create(reqCtx, topic, position)
	if err != nil {
		log.Printf("Request failed: %v", err)
		return
	}
	fmt.Printf("Request %s posted. Waiting up to %ds for a match...\n",
		req.ID, int(a.manager.Remaining()/time.Second))
}

func (a *app) cancelRequest(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := a.manager.Cancel(reqCtx); err != nil {
		log.Printf("Cancel failed: %v", err)
		return
	}
	fmt.Println("Request cancelled.")
}

func (a *app) listRequests(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	reqs, err := a.api.ListOpenRequests(reqCtx)
	if err != nil {
		log.Printf("List failed: %v", err)
		return
	}
	if len(reqs) == 0 {
		fmt.Println("No open requests right now.")
		return
	}
	for _, r := range reqs {
		author := r.Author.Name
		if author == "" {
			author = r.Author.ID
		}
		secs := int(time.Until(time.UnixMilli(r.ExpiresAt)) / time.Second)
		if secs < 0 {
			secs = 0
		}
		fmt.Printf("  %s  %q by %s, expires in %ds\n", r.ID, r.Topic, author, secs)
		if r.Position != "" {
			fmt.Printf("      position: %s\n", r.Position)
		}
	}
}

func (a *app) acceptRequest(ctx context.Context, requestID string) {
	if requestID == "" {
		fmt.Println("Usage: /accept <request id>")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	res, err := a.api.AcceptChatRequest(reqCtx, requestID)
	if err != nil {
		log.Printf("Accept failed: %v", err)
		return
	}
	fmt.Printf("Chat started on %q.\n", res.Topic)
	a.openChat(res.ChatID, chat.ModeLive, chat.User{ID: res.OtherUser.ID, Name: res.OtherUser.Name})
}

func (a *app) declineRequest(ctx context.Context, requestID string) {
	if requestID == "" {
		fmt.Println("Usage: /decline <request id>")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := a.api.DeclineChatRequest(reqCtx, requestID); err != nil {
		log.Printf("Decline failed: %v", err)
		return
	}
	fmt.Println("Request declined.")
}

// openChat replaces the active session. mode historical opens an
// archived read-only view; live joins over the socket and falls back to
// the archive when the chat already ended.
func (a *app) openChat(chatID string, mode chat.Mode, other chat.User) {
	a.closeSession()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s, err := chat.Open(ctx, chat.Options{
		ChatID:    chatID,
		Mode:      mode,
		Self:      a.self,
		Channel:   a.channel,
		API:       a.api,
		OtherUser: other,
	})
	if err != nil {
		log.Printf("Failed to open chat %s: %v", chatID, err)
		return
	}

	a.mu.Lock()
	a.session = s
	a.renderDone = make(chan struct{})
	a.printed = make(map[string]chat.MessageType)
	a.typingShown = false
	a.endedShown = false
	done := a.renderDone
	a.mu.Unlock()

	if s.Mode() == chat.ModeHistorical {
		fmt.Printf("\nViewing chat %s (read-only)\n", chatID)
	} else {
		fmt.Printf("\nJoined chat %s\n", chatID)
	}
	if topic := s.Info().Topic; topic != "" {
		fmt.Printf("Topic: %s\n", topic)
	}
	a.render(s)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-s.Updates():
				a.render(s)
			}
		}
	}()
}

func (a *app) closeSession() {
	a.mu.Lock()
	s := a.session
	done := a.renderDone
	a.session = nil
	a.renderDone = nil
	a.printed = nil
	a.mu.Unlock()

	if s == nil {
		return
	}
	close(done)
	s.Close()
}

func (a *app) current() *chat.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *app) sendMessage(ctx context.Context, text string) {
	s := a.current()
	if s == nil {
		fmt.Println("No open chat. Use /open <chat id>, or /request <topic> | <position>.")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := s.SendMessage(reqCtx, text); err != nil {
		reportActionError(err)
	}
}

func (a *app) createProposal(ctx context.Context, text string, isClosure bool) {
	s := a.current()
	if s == nil {
		fmt.Println("No open chat.")
		return
	}
	if text == "" {
		if isClosure {
			fmt.Println("Usage: /close <position you both agree on>")
		} else {
			fmt.Println("Usage: /propose <position statement>")
		}
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := s.CreateProposal(reqCtx, text, isClosure); err != nil {
		reportActionError(err)
		return
	}
	fmt.Println("Proposal sent. Waiting for the other side.")
}

func (a *app) actOnProposal(ctx context.Context, action, text string) {
	s := a.current()
	if s == nil {
		fmt.Println("No open chat.")
		return
	}
	p, ok := s.Interactive()
	if !ok {
		fmt.Println("No proposal is waiting for a decision.")
		return
	}
	if p.SenderID == a.self.ID {
		fmt.Println("Waiting for the other side to respond to your proposal.")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	var err error
	switch action {
	case "agree":
		err = s.AcceptProposal(reqCtx, p.ProposalID)
	case "reject":
		err = s.RejectProposal(reqCtx, p.ProposalID)
	case "modify":
		if text == "" {
			fmt.Println("Usage: /modify <reworded position>")
			return
		}
		err = s.ModifyProposal(reqCtx, p.ProposalID, text)
	}
	if err != nil {
		reportActionError(err)
	}
}

func (a *app) leaveChat(ctx context.Context) {
	s := a.current()
	if s == nil {
		fmt.Println("No open chat.")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	if err := s.Leave(reqCtx); err != nil {
		reportActionError(err)
		return
	}
	fmt.Println("You left the chat.")
}

// render prints whatever changed since the last call: new or
// transitioned timeline entries, typing state, and the end banner. Peer
// messages are receipted as they appear.
func (a *app) render(s *chat.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.printed == nil || s != a.session {
		return
	}

	for _, m := range s.Messages() {
		prev, seen := a.printed[m.ID]
		if seen && prev == m.Type {
			continue
		}
		a.printed[m.ID] = m.Type
		a.printEntry(s, m)
		if m.SenderID != a.self.ID && s.Mode() == chat.ModeLive {
			s.SetMessageVisible(m.ID, true)
		}
	}

	if typing := s.PeerTyping(); typing != a.typingShown {
		a.typingShown = typing
		if typing {
			fmt.Printf("\n%s is typing...\n> ", a.peerName(s))
		}
	}

	if info := s.Info(); info.Status == chat.StatusEnded && !a.endedShown {
		a.endedShown = true
		if info.EndType == chat.EndTypeAgreedClosure {
			fmt.Print("\nChat ended: you reached an agreed position.\n> ")
		} else {
			fmt.Print("\nChat ended.\n> ")
		}
	}
}

func (a *app) printEntry(s *chat.Session, m chat.Message) {
	name := a.peerName(s)
	if m.SenderID == a.self.ID {
		name = "you"
	}

	if !m.IsProposal() {
		fmt.Printf("\n[%s] %s\n> ", name, m.Content)
		return
	}

	switch m.Type {
	case chat.MessageTypeProposed:
		verb := "proposes"
		if m.IsClosure {
			verb = "offers to close with"
		}
		hint := ""
		if m.SenderID != a.self.ID {
			hint = "  (/agree, /reject, or /modify <text>)"
		}
		fmt.Printf("\n[%s] %s: %q%s\n> ", name, verb, m.Content, hint)
	case chat.MessageTypeAccepted:
		fmt.Printf("\nAgreed position: %q\n> ", m.Content)
	case chat.MessageTypeRejected:
		fmt.Printf("\nProposal rejected: %q\n> ", m.Content)
	case chat.MessageTypeModified:
		// The successor proposal carries the conversation.
	}
}

func (a *app) printCountdown() {
	req, ok := a.manager.Current()
	if !ok || req.Status != pending.StatusPending {
		return
	}
	secs := int(a.manager.Remaining() / time.Second)
	if secs <= 10 || secs%30 == 0 {
		fmt.Printf("\nRequest %s expires in %ds\n> ", req.ID, secs)
	}
}

func (a *app) peerName(s *chat.Session) string {
	other := s.Info().OtherUser
	if other.Name != "" {
		return other.Name
	}
	if other.ID != "" {
		return other.ID
	}
	return "them"
}

func (a *app) selfName() string {
	if a.self.Name != "" {
		return fmt.Sprintf("%s (%s)", a.self.Name, a.self.ID)
	}
	return a.self.ID
}

func reportActionError(err error) {
	switch {
	case errors.Is(err, chat.ErrStaleAction):
		fmt.Println("That proposal just changed; check the latest state.")
	case errors.Is(err, chat.ErrActionFailed):
		fmt.Printf("Action refused: %v\n", err)
	default:
		log.Printf("Action failed: %v", err)
	}
}

func printHelp() {
	fmt.Println(`
Commands:
  /request <topic> | <position>   post a chat request (expires in 120s)
  /cancel                         withdraw your pending request
  /list                           list open requests from others
  /accept <request id>            accept a request and start chatting
  /decline <request id>           pass on a request
  /open <chat id>                 join a chat you are a member of
  /log <chat id>                  view an ended chat read-only
  /propose <text>                 propose a shared position
  /close <text>                   propose ending with an agreed position
  /agree                          accept the open proposal
  /reject                         reject the open proposal
  /modify <text>                  counter the open proposal
  /leave                          leave the current chat
  /quit                           exit

Anything else you type is sent as a message to the open chat.`)
}
