// Copyright (C) 2023 olix3001

// Package discordchat stores the device in a Discord channel. Page bytes
// travel as message attachments, metablocks as plain text content. Message
// ids are the channel's snowflakes.
package discordchat

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/olix3001/DAAFS/internal/chat"
)

const (
	// Content marking a page-carrying message. The page itself is the
	// attachment.
	pageContent = "DATA PAGE"

	// Prefix of metablock bodies, sent as message content directly.
	metablockPrefix = "METABLOCK"

	// Discord paginates channel history in chunks of at most 100.
	historyPageSize = 100
)

// Options to use in New() function due to high number of parameters. There
// is lower chance of ordering mistake with named parameters.
type Options struct {
	Token        string
	ChannelID    string
	PayloadLimit int
}

// Discord implements chat.Channel on one Discord channel.
type Discord struct {
	session   *discordgo.Session
	http      *http.Client
	channelID string
	limit     int
}

// New returns a Discord channel. The session is REST only, no gateway
// connection is opened.
func New(o Options) (*Discord, error) {
	if o.Token == "" || o.ChannelID == "" {
		return nil, fmt.Errorf("discordchat: token and channel id are required")
	}

	session, err := discordgo.New("Bot " + o.Token)
	if err != nil {
		return nil, fmt.Errorf("discordchat: creating session: %w", err)
	}

	client := chat.NewHTTPClientWithSettings(chat.HTTPClientSettings{
		Connect:          5 * time.Second,
		ExpectContinue:   1 * time.Second,
		IdleConn:         90 * time.Second,
		ConnKeepAlive:    30 * time.Second,
		MaxAllIdleConns:  100,
		MaxHostIdleConns: 10,
		ResponseHeader:   30 * time.Second,
		TLSHandshake:     5 * time.Second,
	})
	session.Client = client

	d := &Discord{
		session:   session,
		http:      client,
		channelID: o.ChannelID,
		limit:     o.PayloadLimit,
	}

	// Fail fast on bad credentials or a deleted channel.
	if _, err := session.Channel(o.ChannelID); err != nil {
		return nil, fmt.Errorf("discordchat: checking channel: %w", classify(err))
	}

	return d, nil
}

func (d *Discord) Send(body []byte) (uint64, error) {
	if len(body) > d.limit {
		return 0, chat.ErrPayloadTooLarge
	}

	var msg *discordgo.Message
	var err error

	if bytes.HasPrefix(body, []byte(metablockPrefix)) {
		msg, err = d.session.ChannelMessageSend(d.channelID, string(body))
	} else {
		msg, err = d.session.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
			Content: pageContent,
			Files: []*discordgo.File{
				{
					Name:        "page.bin",
					ContentType: "application/octet-stream",
					Reader:      bytes.NewReader(body),
				},
			},
		})
	}

	if err != nil {
		return 0, classify(err)
	}

	return parseSnowflake(msg.ID)
}

func (d *Discord) Fetch(id uint64) ([]byte, error) {
	msg, err := d.session.ChannelMessage(d.channelID, formatSnowflake(id))
	if err != nil {
		return nil, classify(err)
	}

	return d.messageBody(msg)
}

func (d *Discord) Delete(id uint64) error {
	err := d.session.ChannelMessageDelete(d.channelID, formatSnowflake(id))
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(err)
	}

	return nil
}

// MoveToEnd re-sends the message body and deletes the original. Discord
// assigns a fresh snowflake, which is returned.
func (d *Discord) MoveToEnd(id uint64) (uint64, error) {
	body, err := d.Fetch(id)
	if err != nil {
		return 0, err
	}

	newID, err := d.Send(body)
	if err != nil {
		return 0, err
	}

	if err := d.Delete(id); err != nil {
		return 0, err
	}

	return newID, nil
}

func (d *Discord) Recent(limit int) ([]chat.Message, error) {
	out := make([]chat.Message, 0, limit)
	before := ""

	for len(out) < limit {
		n := limit - len(out)
		if n > historyPageSize {
			n = historyPageSize
		}

		msgs, err := d.session.ChannelMessages(d.channelID, n, before, "", "")
		if err != nil {
			return nil, classify(err)
		}
		if len(msgs) == 0 {
			break
		}

		// ChannelMessages returns newest first already.
		for _, msg := range msgs {
			id, err := parseSnowflake(msg.ID)
			if err != nil {
				return nil, err
			}
			body, err := d.messageBody(msg)
			if err != nil {
				return nil, err
			}
			out = append(out, chat.Message{ID: id, Body: body})
			before = msg.ID
		}
	}

	return out, nil
}

func (d *Discord) PayloadLimit() int {
	return d.limit
}

// messageBody extracts the payload: the first attachment if present,
// otherwise the text content.
func (d *Discord) messageBody(msg *discordgo.Message) ([]byte, error) {
	if len(msg.Attachments) == 0 {
		return []byte(msg.Content), nil
	}

	resp, err := d.http.Get(msg.Attachments[0].URL)
	if err != nil {
		return nil, chat.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("discordchat: attachment fetch status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, chat.Transient(err)
		}
		return nil, err
	}

	return io.ReadAll(resp.Body)
}

// classify wraps recoverable Discord failures as transient. discordgo waits
// out rate limits internally, so what remains transient here are server-side
// errors and network failures.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rerr *discordgo.RESTError
	if asRESTError(err, &rerr) {
		if rerr.Response != nil {
			code := rerr.Response.StatusCode
			if code == http.StatusNotFound {
				return chat.ErrNotFound
			}
			if code >= 500 || code == http.StatusTooManyRequests {
				return chat.Transient(err)
			}
		}
		return err
	}

	// Anything that is not a REST-level rejection is a network problem.
	return chat.Transient(err)
}

func isNotFound(err error) bool {
	var rerr *discordgo.RESTError
	return asRESTError(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == http.StatusNotFound
}

func asRESTError(err error, target **discordgo.RESTError) bool {
	for err != nil {
		if rerr, ok := err.(*discordgo.RESTError); ok {
			*target = rerr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}

	return false
}

func parseSnowflake(id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("discordchat: malformed message id %q: %w", id, err)
	}

	return v, nil
}

func formatSnowflake(id uint64) string {
	return strconv.FormatUint(id, 10)
}
