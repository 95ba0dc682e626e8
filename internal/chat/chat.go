// Package chat implements the chat room and its moderation commands. It is
// transport agnostic: every call returns the deliveries the caller must fan
// out.
package chat

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"pumpcrash/internal/ledger"
)

const (
	MaxMessageLength = 500
	DefaultMute      = "30m"
)

// Message types.
const (
	TypeSay    = "say"
	TypeMute   = "mute"
	TypeUnmute = "unmute"
	TypeError  = "error"
)

type Scope int

const (
	ScopeAll Scope = iota
	ScopeModerators
	ScopeAuthor
)

type Message struct {
	Time      time.Time `json:"time"`
	Type      string    `json:"type"`
	Username  string    `json:"username,omitempty"`
	Role      string    `json:"role,omitempty"`
	Message   string    `json:"message,omitempty"`
	Moderator string    `json:"moderator,omitempty"`
	Timespec  string    `json:"timespec,omitempty"`
	Shadow    bool      `json:"shadow,omitempty"`
}

type Delivery struct {
	Scope Scope
	Msg   Message
}

// Result is the outcome of one say request.
type Result struct {
	Deliveries []Delivery
	// Shutdown is set when an admin asked the game to stop.
	Shutdown bool
}

var (
	commandRe = regexp.MustCompile(`^/([a-zA-Z]*)\s*(.*)$`)
	muteRe    = regexp.MustCompile(`^\s*([a-zA-Z0-9_\-]+)\s*([1-9]\d*[dhms])?\s*$`)
	unmuteRe  = regexp.MustCompile(`^\s*([a-zA-Z0-9_\-]+)\s*$`)
)

type mute struct {
	until     time.Time
	shadow    bool
	moderator string
}

type Chat struct {
	mu      sync.Mutex
	size    int
	history []Message
	muted   map[string]mute
	now     func() time.Time
}

func New(historySize int) *Chat {
	if historySize < 1 {
		historySize = 1
	}
	return &Chat{size: historySize, muted: make(map[string]mute), now: time.Now}
}

// History returns the public messages, oldest first.
func (c *Chat) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// Handle processes a say request from u: either a slash command or a chat
// line.
func (c *Chat) Handle(u *ledger.User, text string) Result {
	m := commandRe.FindStringSubmatch(text)
	if m == nil {
		return Result{Deliveries: c.say(u, text)}
	}

	cmd, rest := m[1], m[2]
	switch cmd {
	case "shutdown":
		if !u.IsAdmin() {
			return c.fail("Not an admin.")
		}
		return Result{Shutdown: true}
	case "mute", "shadowmute":
		if !u.IsModerator() {
			return c.fail("Not a moderator.")
		}
		args := muteRe.FindStringSubmatch(rest)
		if args == nil {
			return c.fail("Usage: /mute <user> [time]")
		}
		spec := args[2]
		if spec == "" {
			spec = DefaultMute
		}
		d, err := c.mute(u, args[1], spec, cmd == "shadowmute")
		if err != nil {
			return c.fail(err.Error())
		}
		return Result{Deliveries: d}
	case "unmute":
		if !u.IsModerator() {
			return c.fail("Not a moderator.")
		}
		args := unmuteRe.FindStringSubmatch(rest)
		if args == nil {
			return c.fail("Usage: /unmute <user>")
		}
		d, err := c.unmute(u, args[1])
		if err != nil {
			return c.fail(err.Error())
		}
		return Result{Deliveries: d}
	default:
		return c.fail("Unknown command " + cmd)
	}
}

func (c *Chat) fail(text string) Result {
	return Result{Deliveries: []Delivery{{
		Scope: ScopeAuthor,
		Msg:   Message{Time: c.now(), Type: TypeError, Message: text},
	}}}
}

func (c *Chat) say(u *ledger.User, text string) []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	msg := Message{Time: now, Type: TypeSay, Username: u.Username, Role: u.Class, Message: text}

	if m, ok := c.muted[u.Username]; ok {
		if now.Before(m.until) {
			if m.shadow {
				// only the author sees it
				return []Delivery{{Scope: ScopeAuthor, Msg: msg}}
			}
			left := m.until.Sub(now).Round(time.Second)
			return []Delivery{{
				Scope: ScopeAuthor,
				Msg:   Message{Time: now, Type: TypeError, Message: fmt.Sprintf("You are muted for another %s.", left)},
			}}
		}
		delete(c.muted, u.Username)
	}

	c.appendLocked(msg)
	return []Delivery{{Scope: ScopeAll, Msg: msg}}
}

func (c *Chat) mute(mod *ledger.User, username, spec string, shadow bool) ([]Delivery, error) {
	d, err := ParseTimespec(spec)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.muted[username] = mute{until: now.Add(d), shadow: shadow, moderator: mod.Username}
	msg := Message{
		Time:      now,
		Type:      TypeMute,
		Username:  username,
		Moderator: mod.Username,
		Timespec:  spec,
		Shadow:    shadow,
	}
	if shadow {
		return []Delivery{{Scope: ScopeModerators, Msg: msg}}, nil
	}
	c.appendLocked(msg)
	return []Delivery{{Scope: ScopeAll, Msg: msg}}, nil
}

func (c *Chat) unmute(mod *ledger.User, username string) ([]Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.muted[username]
	if !ok {
		return nil, fmt.Errorf("User %s is not muted.", username)
	}
	delete(c.muted, username)

	msg := Message{Time: c.now(), Type: TypeUnmute, Username: username, Moderator: mod.Username, Shadow: m.shadow}
	if m.shadow {
		return []Delivery{{Scope: ScopeModerators, Msg: msg}}, nil
	}
	c.appendLocked(msg)
	return []Delivery{{Scope: ScopeAll, Msg: msg}}, nil
}

func (c *Chat) appendLocked(msg Message) {
	c.history = append(c.history, msg)
	if over := len(c.history) - c.size; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
}

// ParseTimespec parses <n>[dhms], e.g. "30m" or "2d".
func ParseTimespec(spec string) (time.Duration, error) {
	if len(spec) < 2 {
		return 0, fmt.Errorf("invalid timespec %q", spec)
	}
	n, err := strconv.ParseInt(spec[:len(spec)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timespec %q", spec)
	}

	var unit time.Duration
	switch spec[len(spec)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'h':
		unit = time.Hour
	case 'm':
		unit = time.Minute
	case 's':
		unit = time.Second
	default:
		return 0, fmt.Errorf("invalid timespec %q", spec)
	}
	return time.Duration(n) * unit, nil
}
