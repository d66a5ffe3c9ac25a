// Package sources turns external feeds (Slack, Kafka, a drop directory,
// uploaded documents) into note drafts for the debounce window.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kalambet/tasuke/internal/storage"
)

// Sink receives drafts. *debounce.Window satisfies it.
type Sink interface {
	Add(d storage.NoteDraft) error
}

const slackSource = "slack"

// SlackConfig configures the Slack source.
type SlackConfig struct {
	BotToken string
	// AppToken enables Socket Mode. Without it only Sync is available.
	AppToken string
	// APIURL overrides the Slack Web API base, mostly for tests.
	APIURL string
	// Channels limits intake to these channel ids. Empty accepts all.
	Channels []string
}

// Slack listens to channel messages over Socket Mode and backfills channel
// history on demand.
type Slack struct {
	api      *slack.Client
	sink     Sink
	channels map[string]bool
	logger   *slog.Logger
}

// NewSlack creates a Slack source.
func NewSlack(cfg SlackConfig, sink Sink) (*Slack, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(cfg.APIURL, "/")+"/"))
	}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(strings.TrimSpace(cfg.AppToken)))
	}

	channels := make(map[string]bool, len(cfg.Channels))
	for _, c := range cfg.Channels {
		if c = strings.TrimSpace(c); c != "" {
			channels[c] = true
		}
	}
	return &Slack{
		api:      slack.New(token, opts...),
		sink:     sink,
		channels: channels,
		logger:   slog.Default().With("source", slackSource),
	}, nil
}

func (s *Slack) accepts(channel string) bool {
	return len(s.channels) == 0 || s.channels[channel]
}

// Listen consumes Socket Mode events until ctx is cancelled.
func (s *Slack) Listen(ctx context.Context) error {
	client := socketmode.New(s.api)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-client.Events:
				if !ok {
					return
				}
				s.handleSocketEvent(client, evt)
			}
		}
	}()

	s.logger.Info("slack socket mode listening", "channels", len(s.channels))
	err := client.RunContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Slack) handleSocketEvent(client *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		s.logger.Info("slack connected")
	case socketmode.EventTypeConnectionError:
		s.logger.Warn("slack connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			client.Ack(*evt.Request)
		}
		ev, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || ev.Type != slackevents.CallbackEvent {
			return
		}
		if msg, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent); ok && msg != nil {
			s.handleMessage(msg)
		}
	}
}

// handleMessage queues a message event. Edits arrive as message_changed and
// keep the original timestamp, so they map onto the same source note id.
func (s *Slack) handleMessage(ev *slackevents.MessageEvent) {
	if !s.accepts(ev.Channel) {
		return
	}

	var m slack.Msg
	switch ev.SubType {
	case "", "thread_broadcast", "file_share":
		m = slack.Msg{User: ev.User, Text: ev.Text, Timestamp: ev.TimeStamp, BotID: ev.BotID}
	case "message_changed":
		if ev.Message == nil {
			return
		}
		m = *ev.Message
	default:
		return
	}

	d, ok := slackDraft(ev.Channel, m)
	if !ok {
		return
	}
	if err := s.sink.Add(d); err != nil {
		s.logger.Warn("dropping slack message", "channel", ev.Channel, "ts", d.SourceNoteID, "error", err)
	}
}

// slackDraft converts a user message. Bot messages, hidden subtypes and
// empty messages are ignored.
func slackDraft(channel string, m slack.Msg) (storage.NoteDraft, bool) {
	if m.BotID != "" || m.Hidden || strings.TrimSpace(m.Text) == "" || m.Timestamp == "" {
		return storage.NoteDraft{}, false
	}
	switch m.SubType {
	case "", "thread_broadcast", "file_share":
	default:
		return storage.NoteDraft{}, false
	}
	return storage.NoteDraft{
		Source:       slackSource,
		SourceNoteID: m.Timestamp,
		Channel:      channel,
		Author:       m.User,
		Content:      m.Text,
	}, true
}

// Sync backfills the history of a channel newer than oldest (a Slack
// timestamp, empty for all) and returns the number of drafts queued.
func (s *Slack) Sync(ctx context.Context, channel, oldest string) (int, error) {
	params := &slack.GetConversationHistoryParameters{ChannelID: channel, Oldest: oldest, Limit: 200}
	queued := 0
	for {
		resp, err := s.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			var rle *slack.RateLimitedError
			if errors.As(err, &rle) {
				s.logger.Warn("slack rate limited", "retry_after", rle.RetryAfter)
				select {
				case <-ctx.Done():
					return queued, ctx.Err()
				case <-time.After(rle.RetryAfter):
				}
				continue
			}
			return queued, fmt.Errorf("reading %s history: %w", channel, err)
		}

		// History is newest first; queue oldest first so edits and
		// follow-ups batch in the order they were written.
		for i := len(resp.Messages) - 1; i >= 0; i-- {
			d, ok := slackDraft(channel, resp.Messages[i].Msg)
			if !ok {
				continue
			}
			if err := s.sink.Add(d); err != nil {
				return queued, fmt.Errorf("queueing %s: %w", d.SourceNoteID, err)
			}
			queued++
		}

		next := strings.TrimSpace(resp.ResponseMetaData.NextCursor)
		if !resp.HasMore || next == "" {
			break
		}
		params.Cursor = next
	}
	s.logger.Info("slack history synced", "channel", channel, "queued", queued)
	return queued, nil
}
