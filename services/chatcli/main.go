package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/blinders/internal/chatview"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

// Консольный клиент: вход, разблокировка, одна беседа. Каждая строка stdin отправляется как сообщение, пустая строка завершает работу.
func main() {
	logger.SetPrefix("chatcli")
	apiURL := flag.String("api", "http://localhost:8080", "api base url")
	user := flag.String("user", "", "Blinders ID, e.g. BLD-0001")
	password := flag.String("password", os.Getenv("BLINDERS_PASSWORD"), "account password")
	passcode := flag.String("passcode", os.Getenv("BLINDERS_PASSCODE"), "unlock passcode")
	conv := flag.String("conv", string(model.ChannelStudy), "channel name or dm:<peerID>")
	flag.Parse()
	defer logger.Flush()

	if *user == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user BLD-0001 -password ... -passcode ... [-conv study]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := chatview.NewRemoteBackend(*apiURL, nil)
	if err != nil {
		logger.Errorf("backend: %v", err)
		os.Exit(1)
	}
	if _, err := be.Login(ctx, *user, *password); err != nil {
		logger.Errorf("login: %v", err)
		os.Exit(1)
	}
	if err := be.Unlock(ctx, *passcode); err != nil {
		logger.Errorf("unlock: %v", err)
		os.Exit(1)
	}
	p, err := be.Principal(ctx)
	if err != nil {
		logger.Errorf("me: %v", err)
		os.Exit(1)
	}
	c, err := model.ResolveConversation(p.UserID, *conv)
	if err != nil {
		logger.Errorf("conversation %q: %v", *conv, err)
		os.Exit(1)
	}
	if err := be.Dial(ctx); err != nil {
		logger.Errorf("connect: %v", err)
		os.Exit(1)
	}
	defer be.Close()

	pr := newPrinter(p.UserID)
	var ctl *chatview.Controller
	ctl = chatview.New(chatview.View{Principal: p, Conversation: c}, be,
		chatview.WithOnChange(func() { pr.render(ctl) }))
	if err := ctl.Open(ctx); err != nil {
		logger.Errorf("open %s: %v", c.Key(), err)
		os.Exit(1)
	}
	defer ctl.Close()

	fmt.Printf("Connected as %s (%s) to %s. Type a message and press Enter.\n", p.DisplayName, p.UserID, c.Key())
	pr.render(ctl)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "" {
				return
			}
			ctl.Input(ctx, line)
			if _, err := ctl.Submit(ctx); err != nil {
				fmt.Printf("! not sent: %v\n", err)
			}
		}
	}
}

// printer печатает только новые сообщения и изменения строки присутствия.
type printer struct {
	mu     sync.Mutex
	self   string
	seen   map[int64]bool
	status string
}

func newPrinter(self string) *printer {
	return &printer{self: self, seen: make(map[int64]bool)}
}

func (p *printer) render(ctl *chatview.Controller) {
	if ctl == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range ctl.Messages() {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		who := m.SenderName
		if m.SenderID == p.self {
			who = "you"
		}
		text := m.Body.Text()
		if text == "" {
			text = "[" + string(m.Body.Type()) + "]"
		}
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, text)
	}

	var parts []string
	if names := recordNames(ctl.Typing()); names != "" {
		parts = append(parts, names+" typing")
	}
	if names := recordNames(ctl.Sending()); names != "" {
		parts = append(parts, names+" sending")
	}
	status := strings.Join(parts, "; ")
	if status != p.status {
		p.status = status
		if status != "" {
			fmt.Printf("  (%s)\n", status)
		}
	}
}

func recordNames(recs []model.PresenceRecord) string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.UserID)
	}
	return strings.Join(names, ", ")
}
