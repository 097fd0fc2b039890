package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/commands"
	"github.com/Pavua/krab/internal/corekit"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Submitter accepts an Event into the per-chat work queue. Implemented by
// an adapter over *queue.Queue so this package need not import
// internal/queue for its SubmitResult type.
type Submitter interface {
	Submit(ctx context.Context, event corekit.Event) (accepted bool, requestID string, err error)
}

// TelegramChannel is the reference chat transport adapter: long-poll
// reconnect with backoff, principal resolution from the transport's own
// identity fields, owner-command interception, and progressive message
// editing for streamed replies. Grounded line-for-line on the teacher's own
// Telegram channel, reworked to call into internal/queue and
// internal/commands instead of the teacher's task engine.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	submitter  Submitter
	dispatcher *commands.Dispatcher
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	streamMu   sync.Mutex
	streamMsgs map[string]*streamState // requestID -> streaming state
}

// streamState tracks progressive editing for a streaming Request.
type streamState struct {
	chatID    int64
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

// NewTelegramChannel creates a new Telegram channel. allowedIDs is the
// closed set of Telegram user IDs whose messages are accepted at all; owner
// eligibility for mutating commands is decided by the Dispatcher's Policy
// store, not by this channel. eventBus is optional — pass it to enable
// progressive message editing for streamed replies.
func NewTelegramChannel(token string, allowedIDs []int64, submitter Submitter, dispatcher *commands.Dispatcher, logger *slog.Logger, eventBus ...*bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	var eb *bus.Bus
	if len(eventBus) > 0 {
		eb = eventBus[0]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		submitter:  submitter,
		dispatcher: dispatcher,
		logger:     logger,
		eventBus:   eb,
		streamMsgs: make(map[string]*streamState),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.monitorStreamTokens(ctx)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	chatID := corekit.ChatId(strconv.FormatInt(msg.Chat.ID, 10))
	authorID := strconv.FormatInt(msg.From.ID, 10)
	isGroup := msg.Chat.IsGroup() || msg.Chat.IsSuperGroup()

	if prefix, args, ok := commands.Parse(content); ok {
		if t.dispatcher == nil {
			return
		}
		reply := t.dispatcher.Dispatch(chatID, authorID, isGroup, prefix, args)
		if reply != "" {
			t.reply(msg.Chat.ID, reply)
		}
		return
	}

	event := corekit.Event{
		ChatID:      chatID,
		MessageID:   strconv.Itoa(msg.MessageID),
		AuthorID:    authorID,
		Kind:        corekit.EventKindText,
		Payload:     content,
		ReceivedAt:  time.Now(),
		IsGroupChat: isGroup,
	}
	if msg.ReplyToMessage != nil {
		event.ReplyToMessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
		if msg.ReplyToMessage.From != nil {
			event.ReplyToAuthorID = strconv.FormatInt(msg.ReplyToMessage.From.ID, 10)
		}
	}
	if msg.ForwardFrom != nil {
		event.ForwardFromAuthorID = strconv.FormatInt(msg.ForwardFrom.ID, 10)
	}

	if t.submitter == nil {
		return
	}
	accepted, _, err := t.submitter.Submit(ctx, event)
	if err != nil {
		t.logger.Error("failed to submit telegram event", "error", err)
		t.reply(msg.Chat.ID, "Sorry, I'm too busy with this chat right now — try again shortly.")
		return
	}
	if !accepted {
		t.reply(msg.Chat.ID, "Sorry, I'm too busy with this chat right now — try again shortly.")
	}
}

// SendReply implements queue.ReplySink. If the Request was being streamed
// progressively, the in-place message is edited to its final text instead
// of sending a new one.
func (t *TelegramChannel) SendReply(chatID corekit.ChatId, requestID, text string) error {
	if text == "" {
		return nil
	}
	id, err := strconv.ParseInt(string(chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	t.streamMu.Lock()
	state, wasStreaming := t.streamMsgs[requestID]
	if wasStreaming {
		delete(t.streamMsgs, requestID)
	}
	t.streamMu.Unlock()

	if wasStreaming && state.messageID != 0 {
		t.editMessageText(id, state.messageID, text)
		return nil
	}
	t.reply(id, text)
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// monitorStreamTokens subscribes to stream.token bus events and progressively
// edits Telegram messages as sanitized content chunks arrive from the
// Streaming Client.
func (t *TelegramChannel) monitorStreamTokens(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicStreamToken)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.StreamTokenEvent)
			if !ok || payload.RequestID == "" || payload.Chunk == "" {
				continue
			}

			chatID, err := strconv.ParseInt(payload.ChatID, 10, 64)
			if err != nil {
				continue
			}

			t.streamMu.Lock()
			state, exists := t.streamMsgs[payload.RequestID]
			if !exists {
				state = &streamState{chatID: chatID}
				msg := tgbotapi.NewMessage(chatID, payload.Chunk)
				sent, err := t.bot.Send(msg)
				if err != nil {
					t.logger.Warn("failed to send stream placeholder", "request_id", payload.RequestID, "error", err)
					t.streamMu.Unlock()
					continue
				}
				state.messageID = sent.MessageID
				state.text.WriteString(payload.Chunk)
				state.lastEdit = time.Now()
				t.streamMsgs[payload.RequestID] = state
				t.streamMu.Unlock()
				continue
			}

			state.text.WriteString(payload.Chunk)

			// Rate-limit edits to ~1/second to avoid Telegram 429 errors.
			if time.Since(state.lastEdit) < time.Second {
				t.streamMu.Unlock()
				continue
			}
			text := state.text.String()
			msgID := state.messageID
			state.lastEdit = time.Now()
			t.streamMu.Unlock()

			t.editMessageText(chatID, msgID, text)
		}
	}
}

// editMessageText progressively updates an existing Telegram message —
// the message is edited in-place as tokens arrive.
func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message (progressive)", "error", err)
	}
}
