package protocol

import "time"

// ChatMessage is a text message delivered by the chat gateway.
type ChatMessage struct {
	ID                string    `json:"id"`
	Room              string    `json:"room"`
	Channel           string    `json:"channel"`
	AuthorID          string    `json:"author_id"`
	AuthorUsername    string    `json:"author_username"`
	AuthorDisplayName string    `json:"author_display_name,omitempty"`
	AuthorIsBot       bool      `json:"author_is_bot,omitempty"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
}

// ConnectRequest asks the relay to bind a text channel to a voice target.
type ConnectRequest struct {
	Room    string `json:"room"`
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

// DisconnectRequest asks the relay to release a room's voice session.
type DisconnectRequest struct {
	Room string `json:"room"`
}

// VoicePreferenceUpdate stores a user's preferred voice. Empty resets to default.
type VoicePreferenceUpdate struct {
	UserID string `json:"user_id"`
	Voice  string `json:"voice"`
}

// PrefixUpdate stores a room's command prefix.
type PrefixUpdate struct {
	Room   string `json:"room"`
	Prefix string `json:"prefix"`
}

// Reply is the generic response to relay control requests.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// VoiceJoinRequest is sent to the chat gateway to open a voice session.
type VoiceJoinRequest struct {
	Room   string `json:"room"`
	Target string `json:"target"`
}

// VoiceJoinReply is the gateway's answer to a VoiceJoinRequest.
type VoiceJoinReply struct {
	SessionID  string `json:"session_id"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VoiceLeave tells the gateway a voice session is no longer used.
type VoiceLeave struct {
	SessionID string `json:"session_id"`
	Room      string `json:"room"`
}

// AudioFrame represents PCM audio streamed into a voice session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// PlaybackStatus is the outcome of one queued message.
type PlaybackStatus string

const (
	PlaybackSpoken PlaybackStatus = "spoken"
	PlaybackFailed PlaybackStatus = "failed"
)

// PlaybackEvent reports what happened to a queued message.
type PlaybackEvent struct {
	Room      string         `json:"room"`
	MessageID string         `json:"message_id"`
	AuthorID  string         `json:"author_id,omitempty"`
	Status    PlaybackStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Bytes     int            `json:"bytes"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	SubjectChatMessage     = "chat.message"
	SubjectRelayConnect    = "relay.connect"
	SubjectRelayDisconnect = "relay.disconnect"
	SubjectVoiceSet        = "relay.voice.set"
	SubjectPrefixSet       = "relay.prefix.set"
	SubjectPlaybackPrefix  = "relay.playback"
	SubjectVoiceJoin       = "voice.join"
	SubjectVoiceLeave      = "voice.leave"
	SubjectVoiceAudio      = "voice.audio"
)
