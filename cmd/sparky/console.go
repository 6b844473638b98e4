package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/sparky/internal/conversation"
	"github.com/MrWong99/sparky/internal/voicebot"
)

// bot is the part of [voicebot.Service] the console drives.
type bot interface {
	Snapshot() voicebot.Snapshot
	Subscribe(buffer int) (<-chan voicebot.Snapshot, func())
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	LoadConversation(ctx context.Context, c conversation.Conversation) error
	NewConversation(ctx context.Context) error
}

const consoleHelp = `commands:
  <enter>      start talking, or hang up while a session is open
  new          start a new conversation
  load <id>    load a stored conversation
  list         list stored conversations
  color        show the robot color
  quit         exit`

// console is the terminal UI: it reads commands from in and prints the
// conversation as it unfolds to out.
type console struct {
	bot   bot
	store conversation.Store
	in    io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newConsole(b bot, store conversation.Store, in io.Reader, out io.Writer) *console {
	return &console{bot: b, store: store, in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run processes commands until quit, end of input or ctx is done.
func (c *console) run(ctx context.Context) {
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !c.exec(ctx, strings.TrimSpace(sc.Text())) {
			return
		}
	}
}

// exec runs one command line and reports whether the console should keep
// reading.
func (c *console) exec(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
		c.toggle(ctx)
	case "new":
		c.report("new conversation", c.bot.NewConversation(ctx))
	case "load":
		if arg == "" {
			c.printf("usage: load <id>\n")
			return true
		}
		c.load(ctx, arg)
	case "list", "ls":
		c.list(ctx)
	case "color":
		c.printf("robot color: %s\n", c.bot.Snapshot().RobotColor)
	case "help", "?":
		c.printf("%s\n", consoleHelp)
	case "quit", "exit", "q":
		return false
	default:
		c.printf("unknown command %q, type \"help\"\n", cmd)
	}
	return true
}

func (c *console) toggle(ctx context.Context) {
	snap := c.bot.Snapshot()
	switch {
	case snap.CanStop:
		c.report("stop", c.bot.Stop(ctx))
	case snap.State == voicebot.Idle:
		err := c.bot.Start(ctx)
		if err != nil && !errors.Is(err, voicebot.ErrSessionActive) && !errors.Is(err, voicebot.ErrStartCanceled) {
			// The snapshot stream prints the user-facing reason.
			return
		}
		c.report("start", err)
	}
}

func (c *console) load(ctx context.Context, id string) {
	conv, err := c.store.Get(ctx, id)
	if err != nil {
		c.report("load", err)
		return
	}
	c.report("load", c.bot.LoadConversation(ctx, conv))
}

func (c *console) list(ctx context.Context) {
	list, err := c.store.List(ctx)
	if err != nil {
		c.report("list", err)
		return
	}
	if len(list) == 0 {
		c.printf("no saved conversations\n")
		return
	}
	for _, s := range list {
		c.printf("%s  %-30s %3d entries  %s\n", s.ID, s.Title, s.Entries, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func (c *console) report(op string, err error) {
	if err != nil {
		c.printf("%s: %v\n", op, err)
	}
}

// watch prints state changes, errors and finished transcript entries until
// ctx is done or the bot shuts down.
func (c *console) watch(ctx context.Context) {
	updates, cancel := c.bot.Subscribe(32)
	defer cancel()

	var last voicebot.Snapshot
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			c.render(last, snap, first)
			last, first = snap, false
		}
	}
}

func (c *console) render(prev, snap voicebot.Snapshot, first bool) {
	if first || prev.ConversationID != snap.ConversationID {
		c.printf("── %s (%s) ──\n", snap.Title, snap.ConversationID)
		prev.Transcript = nil
	} else if snap.Title != prev.Title {
		c.printf("── %s ──\n", snap.Title)
	}
	if first || snap.State != prev.State {
		c.printf("[%s]\n", snap.State)
	}
	if snap.Error != "" && snap.Error != prev.Error {
		c.printf("! %s\n", snap.Error)
	}
	if !first && snap.RobotColor != prev.RobotColor {
		c.printf("* robot color is now %s\n", snap.RobotColor)
	}
	start := len(prev.Transcript)
	if start > len(snap.Transcript) {
		start = 0
	}
	for _, e := range snap.Transcript[start:] {
		c.printf("%-4s %s\n", e.Speaker+":", e.Text)
	}
}
