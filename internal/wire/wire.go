// ABOUTME: Text frame grammar spoken between agents and the relay.
// ABOUTME: Parses inbound commands and reports, formats announcements and responses.

// Package wire implements the plain-text frames exchanged over the
// agent↔relay websocket. One frame carries one command, announcement or
// response.
package wire

import (
	"strings"

	"github.com/2389/muter/internal/voice"
)

// Frames sent by the relay.
const (
	FrameMute      = "mute"
	FrameUnmute    = "unmute"
	queryPrefix    = "GET SETTING MUTE"
	greetingPrefix = "Your UUID is "
)

// Frames sent by the agent.
const (
	FrameMuted   = "muted"
	FrameUnmuted = "unmuted"
	respPrefix   = "RESP"
	respError    = "ERR"
)

// CommandKind classifies a relay→agent frame.
type CommandKind int

const (
	CommandMute CommandKind = iota + 1
	CommandUnmute
	CommandQuery
	CommandGreeting
)

// Command is a parsed relay→agent frame.
type Command struct {
	Kind CommandKind

	// CorrelationID is set for CommandQuery. It is opaque.
	CorrelationID string

	// RelayID is set for CommandGreeting.
	RelayID string
}

// ParseCommand parses a relay→agent frame. Unknown or malformed frames
// report false.
func ParseCommand(frame string) (Command, bool) {
	frame = strings.TrimSpace(frame)

	switch {
	case frame == FrameMute:
		return Command{Kind: CommandMute}, true
	case frame == FrameUnmute:
		return Command{Kind: CommandUnmute}, true
	case strings.HasPrefix(frame, queryPrefix):
		fields := strings.Fields(frame)
		if len(fields) < 4 || strings.Join(fields[:3], " ") != queryPrefix {
			return Command{}, false
		}
		return Command{Kind: CommandQuery, CorrelationID: fields[len(fields)-1]}, true
	case strings.HasPrefix(frame, greetingPrefix):
		id := strings.TrimSpace(strings.TrimPrefix(frame, greetingPrefix))
		if id == "" {
			return Command{}, false
		}
		return Command{Kind: CommandGreeting, RelayID: id}, true
	}
	return Command{}, false
}

// Command frames.

// Mute returns the frame for a mute or unmute command.
func Mute(state voice.MuteState) string {
	if state {
		return FrameMute
	}
	return FrameUnmute
}

// Query returns the state query frame for id.
func Query(id string) string {
	return queryPrefix + " " + id
}

// Greeting returns the frame the relay sends when an agent connects.
func Greeting(relayID string) string {
	return greetingPrefix + relayID
}

// Agent frames.

// Announcement returns the frame announcing state.
func Announcement(state voice.MuteState) string {
	return state.String()
}

// Response returns the query response frame for id. A non-nil err produces
// the ERR form.
func Response(id string, state voice.MuteState, err error) string {
	if err != nil {
		return respPrefix + " " + id + " " + respError
	}
	if state {
		return respPrefix + " " + id + " true"
	}
	return respPrefix + " " + id + " false"
}

// ReportKind classifies an agent→relay frame.
type ReportKind int

const (
	ReportAnnouncement ReportKind = iota + 1
	ReportResponse
)

// Report is a parsed agent→relay frame.
type Report struct {
	Kind  ReportKind
	State voice.MuteState

	// CorrelationID and Failed are set for ReportResponse.
	CorrelationID string
	Failed        bool
}

// ParseReport parses an agent→relay frame. Unknown or malformed frames
// report false.
func ParseReport(frame string) (Report, bool) {
	fields := strings.Fields(frame)
	if len(fields) == 0 {
		return Report{}, false
	}

	switch fields[0] {
	case FrameMuted:
		if len(fields) != 1 {
			return Report{}, false
		}
		return Report{Kind: ReportAnnouncement, State: voice.Muted}, true
	case FrameUnmuted:
		if len(fields) != 1 {
			return Report{}, false
		}
		return Report{Kind: ReportAnnouncement, State: voice.Unmuted}, true
	case respPrefix:
		if len(fields) != 3 {
			return Report{}, false
		}
		r := Report{Kind: ReportResponse, CorrelationID: fields[1]}
		switch fields[2] {
		case "true":
			r.State = voice.Muted
		case "false":
			r.State = voice.Unmuted
		case respError:
			r.Failed = true
		default:
			return Report{}, false
		}
		return r, true
	}
	return Report{}, false
}
