package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/types"
)

const maxTelegramMessage = 4096

// taskKey is the session context key holding the chat's selected task.
const taskKey = "task"

// Gateway is the turn surface the adapter drives.
type Gateway interface {
	Invoke(ctx context.Context, sid types.SessionID, task, prompt string) (runtime.TurnResult, error)
	Tasks() []string
}

// sender is the part of the bot API the adapter sends through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	send    sender
	gateway Gateway
	memory  types.MemoryStore
	wg      sync.WaitGroup
}

// New creates a Telegram adapter.
func New(token string, gw Gateway, memory types.MemoryStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, gw, memory)
	a.bot = bot
	return a, nil
}

func newAdapter(s sender, gw Gateway, memory types.MemoryStore) *Adapter {
	return &Adapter{send: s, gateway: gw, memory: memory}
}

// Start begins long-polling for Telegram updates and blocks until ctx is
// done and in-flight messages are answered.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			msg := update.Message
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(ctx, msg)
			}()
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			a.wg.Wait()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	sid := buildSessionID(msg.From.ID, chatID)
	task := a.currentTask(ctx, sid)

	result, err := a.gateway.Invoke(ctx, sid, task, msg.Text)
	if err != nil {
		slog.Error("telegram turn failed", "session_id", sid, "task", task, "error", err)
	}
	a.sendResponse(chatID, result.Answer)
}

func (a *Adapter) currentTask(ctx context.Context, sid types.SessionID) string {
	m, err := a.memory.Load(ctx, sid)
	if err != nil {
		return runtime.DefaultTask
	}
	if task, ok := m.Context[taskKey].(string); ok && task != "" {
		return task
	}
	return runtime.DefaultTask
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	sid := buildSessionID(msg.From.ID, chatID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! I'm Taskpilot. Send me a message to get started, or pick a task with /task.")

	case "task":
		name := strings.TrimSpace(msg.CommandArguments())
		tasks := a.gateway.Tasks()
		if name == "" {
			a.sendResponse(chatID, fmt.Sprintf("Current task: %s\nAvailable: %s", a.currentTask(ctx, sid), strings.Join(tasks, ", ")))
			return
		}
		if !slices.Contains(tasks, name) {
			a.sendResponse(chatID, fmt.Sprintf("Unknown task %q. Available: %s", name, strings.Join(tasks, ", ")))
			return
		}
		if err := a.memory.UpdateContext(ctx, sid, taskKey, name); err != nil {
			slog.Error("set task failed", "session_id", sid, "error", err)
			a.sendResponse(chatID, "Error switching task.")
			return
		}
		a.sendResponse(chatID, "Switched to "+name+".")

	case "status":
		summary, err := a.memory.Summarize(ctx, sid)
		if err != nil {
			slog.Error("summarize failed", "session_id", sid, "error", err)
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Session: %s\nTask: %s\nMessages: %d\nFacts: %d",
			sid, a.currentTask(ctx, sid), summary.ConversationCount, len(summary.RecentFacts)))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /task, /status")
	}
}

// Deliver sends a message to the chat a telegram session id names. It is
// registered with the delivery registry for the "telegram:" prefix.
func (a *Adapter) Deliver(_ context.Context, sid types.SessionID, message string) error {
	chatID, err := chatIDFrom(sid)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, message)
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.send.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.send.Send(msg); err != nil {
				slog.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildSessionID(userID, chatID int64) types.SessionID {
	return types.JoinSessionID("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

// chatIDFrom extracts the chat id from "telegram:<user>:<chat>".
func chatIDFrom(sid types.SessionID) (int64, error) {
	parts := strings.Split(string(sid), ":")
	if len(parts) != 3 || parts[0] != "telegram" {
		return 0, fmt.Errorf("not a telegram session: %s", sid)
	}
	chatID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id from %s: %w", sid, err)
	}
	return chatID, nil
}
