package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/slack-go/slack"

	"tweet-watcher/pkg/watcher"
)

const (
	namespace    = "setting"
	maxBodyBytes = 64 << 10
	idAttempts   = 3
)

const helpText = "Usage: /tweet-watcher setting [create|list|update|update_like_threshold|update_retweet_threshold|delete|active|inactive|help] ...\n" +
	"Examples:\n" +
	"/tweet-watcher setting create 'keyword1 keyword2' #channel [like] [retweet]\n" +
	"/tweet-watcher setting list [-a]\n" +
	"/tweet-watcher setting update <id> 'new keyword'\n" +
	"/tweet-watcher setting update_like_threshold <id> <n|->\n" +
	"/tweet-watcher setting update_retweet_threshold <id> <n|->\n" +
	"/tweet-watcher setting delete <id>\n" +
	"/tweet-watcher setting active <id>\n" +
	"/tweet-watcher setting inactive <id>\n" +
	"/tweet-watcher setting help"

type commandFunc func(s *Server, ctx context.Context, args []string) string

// commands maps each action to its handler.
var commands = map[string]commandFunc{
	"help":                     func(*Server, context.Context, []string) string { return helpText },
	"create":                   (*Server).cmdCreate,
	"list":                     (*Server).cmdList,
	"update":                   (*Server).cmdUpdate,
	"update_like_threshold":    (*Server).cmdUpdateLike,
	"update_retweet_threshold": (*Server).cmdUpdateRetweet,
	"delete":                   (*Server).cmdDelete,
	"active":                   (*Server).cmdActive,
	"inactive":                 (*Server).cmdInactive,
}

// Slack renders channel mentions as <#C0123|name>.
var channelMention = regexp.MustCompile(`^<#([A-Z0-9]+)(\|[^>]*)?>$`)

func (s *Server) handleSlackCommand(w http.ResponseWriter, r *http.Request) {
	if s.signingSecret == "" {
		http.Error(w, "Slash commands are not configured", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
	if err != nil {
		s.logger.Warn("Rejected slash command", "reason", err, "ip", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := verifier.Write(body); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := verifier.Ensure(); err != nil {
		s.logger.Warn("Rejected slash command", "reason", err, "ip", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		http.Error(w, "Malformed command", http.StatusBadRequest)
		return
	}

	s.logger.Info("Slash command received",
		"command", cmd.Command,
		"text", cmd.Text,
		"user_id", cmd.UserID,
		"channel_id", cmd.ChannelID)

	reply := s.runCommand(r.Context(), cmd.Text)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&slack.Msg{ResponseType: slack.ResponseTypeEphemeral, Text: reply}); err != nil {
		s.logger.Warn("Failed to write command response", "error", err)
	}
}

// runCommand parses and dispatches a command line, returning the reply text.
func (s *Server) runCommand(ctx context.Context, text string) string {
	args, err := tokenize(text)
	if err != nil {
		return fmt.Sprintf("Could not parse command: %v. See /tweet-watcher setting help.", err)
	}
	if len(args) < 2 || args[0] != namespace {
		return "Malformed command. See /tweet-watcher setting help."
	}

	run, ok := commands[args[1]]
	if !ok {
		return fmt.Sprintf("Unknown action %q. See /tweet-watcher setting help.", args[1])
	}
	return run(s, ctx, args[2:])
}

// tokenize splits a command line on whitespace, keeping quoted runs together.
// Straight and typographic single or double quotes are accepted.
func tokenize(text string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inToken bool
		closing rune
	)
	for _, r := range text {
		switch {
		case closing != 0:
			if r == closing {
				closing = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"' || r == '‘' || r == '“':
			closing = closingQuote(r)
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				args = append(args, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if closing != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inToken {
		args = append(args, cur.String())
	}
	return args, nil
}

func closingQuote(open rune) rune {
	switch open {
	case '‘':
		return '’'
	case '“':
		return '”'
	default:
		return open
	}
}

// parseThreshold accepts a non-negative integer, or "-" to clear the threshold.
func parseThreshold(v string) (*int, error) {
	if v == "-" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("threshold must be a non-negative integer or -, got %q", v)
	}
	return &n, nil
}

func normalizeChannel(ch string) string {
	if m := channelMention.FindStringSubmatch(ch); m != nil {
		return m[1]
	}
	return ch
}

func (s *Server) cmdCreate(ctx context.Context, args []string) string {
	if len(args) < 2 || len(args) > 4 {
		return "[create] Wrong number of parameters. See /tweet-watcher setting help."
	}

	w := &watcher.Watch{
		Keyword:   strings.TrimSpace(args[0]),
		Channel:   normalizeChannel(args[1]),
		Status:    watcher.StatusActive,
		CreatedAt: s.now().UTC(),
	}
	var err error
	if len(args) > 2 {
		if w.Like, err = parseThreshold(args[2]); err != nil {
			return "[create] " + err.Error()
		}
	}
	if len(args) > 3 {
		if w.Retweet, err = parseThreshold(args[3]); err != nil {
			return "[create] " + err.Error()
		}
	}

	for range idAttempts {
		w.ID = watcher.NewWatchID()
		err = s.store.InsertWatch(ctx, w)
		if !errors.Is(err, watcher.ErrDuplicate) {
			break
		}
	}
	if err != nil {
		s.logger.Error("Failed to create watch", "keyword", w.Keyword, "error", err)
		return "[create] Error: " + err.Error()
	}

	s.logger.Info("Watch created", "watch_id", w.ID, "keyword", w.Keyword, "channel", w.Channel)
	return fmt.Sprintf("[create] Registered: %s %s (id: %s, status: %s) like: %s, rt: %s",
		w.Keyword, w.Channel, w.ID, w.Status, thresholdString(w.Like), thresholdString(w.Retweet))
}

func (s *Server) cmdList(ctx context.Context, args []string) string {
	all := false
	switch {
	case len(args) == 1 && args[0] == "-a":
		all = true
	case len(args) > 0:
		return "[list] Invalid parameters. See /tweet-watcher setting help."
	}

	watches, err := s.store.ListWatches(ctx)
	if err != nil {
		s.logger.Error("Failed to list watches", "error", err)
		return "[list] Error: " + err.Error()
	}

	var b strings.Builder
	for _, w := range watches {
		if !all && w.Status != watcher.StatusActive {
			continue
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%s: %s %s", w.ID, w.Keyword, w.Channel))
		if all {
			b.WriteString(fmt.Sprintf(" (status: %s)", w.Status))
		}
		b.WriteString(fmt.Sprintf(" like: %s, rt: %s", thresholdString(w.Like), thresholdString(w.Retweet)))
	}

	switch {
	case b.Len() == 0 && all:
		return "[list] No watches configured"
	case b.Len() == 0:
		return "[list] No active watches"
	case all:
		return "[list] All watches:" + b.String()
	default:
		return "[list] Active watches:" + b.String()
	}
}

// modifyWatch loads the watch named by id, applies fn and saves it.
func (s *Server) modifyWatch(ctx context.Context, action, id string, fn func(w *watcher.Watch) error) string {
	w, err := s.store.LoadWatch(ctx, id)
	if errors.Is(err, watcher.ErrNotFound) {
		return fmt.Sprintf("[%s] No watch with id=%s", action, id)
	}
	if err != nil {
		s.logger.Error("Failed to load watch", "watch_id", id, "error", err)
		return fmt.Sprintf("[%s] Error: %v", action, err)
	}

	if err := fn(w); err != nil {
		return fmt.Sprintf("[%s] %v", action, err)
	}
	if err := s.store.SaveWatch(ctx, w); err != nil {
		s.logger.Error("Failed to save watch", "watch_id", id, "error", err)
		return fmt.Sprintf("[%s] Error: %v", action, err)
	}

	s.logger.Info("Watch updated", "action", action, "watch_id", id)
	return fmt.Sprintf("[%s] Updated: id=%s keyword=%s channel=%s like: %s, rt: %s, status: %s",
		action, w.ID, w.Keyword, w.Channel, thresholdString(w.Like), thresholdString(w.Retweet), w.Status)
}

func (s *Server) cmdUpdate(ctx context.Context, args []string) string {
	if len(args) != 2 {
		return "[update] Wrong number of parameters. Example: /tweet-watcher setting update <id> 'new keyword'"
	}
	keyword := strings.TrimSpace(args[1])
	return s.modifyWatch(ctx, "update", args[0], func(w *watcher.Watch) error {
		if keyword == "" {
			return errors.New("keyword must not be empty")
		}
		w.Keyword = keyword
		return nil
	})
}

func (s *Server) cmdUpdateLike(ctx context.Context, args []string) string {
	return s.updateThreshold(ctx, "update_like_threshold", args, func(w *watcher.Watch, v *int) { w.Like = v })
}

func (s *Server) cmdUpdateRetweet(ctx context.Context, args []string) string {
	return s.updateThreshold(ctx, "update_retweet_threshold", args, func(w *watcher.Watch, v *int) { w.Retweet = v })
}

func (s *Server) updateThreshold(ctx context.Context, action string, args []string, set func(*watcher.Watch, *int)) string {
	if len(args) != 2 {
		return fmt.Sprintf("[%s] Wrong number of parameters. Example: /tweet-watcher setting %s <id> <n|->", action, action)
	}
	v, err := parseThreshold(args[1])
	if err != nil {
		return fmt.Sprintf("[%s] %v", action, err)
	}
	return s.modifyWatch(ctx, action, args[0], func(w *watcher.Watch) error {
		set(w, v)
		return nil
	})
}

func (s *Server) cmdActive(ctx context.Context, args []string) string {
	return s.setStatus(ctx, "active", args, watcher.StatusActive)
}

func (s *Server) cmdInactive(ctx context.Context, args []string) string {
	return s.setStatus(ctx, "inactive", args, watcher.StatusInactive)
}

func (s *Server) setStatus(ctx context.Context, action string, args []string, status watcher.Status) string {
	if len(args) != 1 {
		return fmt.Sprintf("[%s] Wrong number of parameters. Example: /tweet-watcher setting %s <id>", action, action)
	}
	return s.modifyWatch(ctx, action, args[0], func(w *watcher.Watch) error {
		w.Status = status
		return nil
	})
}

func (s *Server) cmdDelete(ctx context.Context, args []string) string {
	if len(args) != 1 {
		return "[delete] Wrong number of parameters. Example: /tweet-watcher setting delete <id>"
	}
	id := args[0]

	err := s.store.DeleteWatch(ctx, id)
	if errors.Is(err, watcher.ErrNotFound) {
		return "[delete] No watch with id=" + id
	}
	if err != nil {
		s.logger.Error("Failed to delete watch", "watch_id", id, "error", err)
		return "[delete] Error: " + err.Error()
	}

	s.logger.Info("Watch deleted", "watch_id", id)
	return "[delete] Deleted: id=" + id
}
