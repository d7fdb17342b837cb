package node

// Op codes on the node's control channel.
const (
	opVoiceUpdate  = "voiceUpdate"
	opResume       = "resume"
	opPlayerUpdate = "playerUpdate"
	opStats        = "stats"
	opEvent        = "event"
)

// Inbound event types.
const (
	eventTrackEnd       = "TrackEndEvent"
	eventTrackException = "TrackExceptionEvent"
	eventTrackStuck     = "TrackStuckEvent"
	eventSocketClosed   = "WebSocketClosedEvent"
)

// voiceUpdatePayload is the outbound handshake that lets the node start
// relaying audio for a guild.
type voiceUpdatePayload struct {
	Op        string           `json:"op"`
	GuildID   string           `json:"guildId"`
	SessionID string           `json:"sessionId"`
	Event     voiceServerEvent `json:"event"`
}

type voiceServerEvent struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// resumePayload asks the node to attach this channel to a previous session.
type resumePayload struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Timeout int    `json:"timeout"` // seconds
}

// playerUpdatePayload is the node's periodic position report for one guild.
type playerUpdatePayload struct {
	GuildID string `json:"guildId"`
	State   struct {
		Time     int64 `json:"time"`
		Position int64 `json:"position"`
	} `json:"state"`
}

// eventPayload is the node's tagged player event frame.
type eventPayload struct {
	Type      string `json:"type"`
	GuildID   string `json:"guildId"`
	Track     string `json:"track,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Threshold int64  `json:"thresholdMs,omitempty"`
	Code      int    `json:"code,omitempty"`
	ByRemote  bool   `json:"byRemote,omitempty"`
}

// Stats is the node's periodic load report.
type Stats struct {
	Players        int   `json:"players"`
	PlayingPlayers int   `json:"playingPlayers"`
	Uptime         int64 `json:"uptime"`
	Memory         struct {
		Free       int64 `json:"free"`
		Used       int64 `json:"used"`
		Allocated  int64 `json:"allocated"`
		Reservable int64 `json:"reservable"`
	} `json:"memory"`
	CPU struct {
		Cores       int     `json:"cores"`
		SystemLoad  float64 `json:"systemLoad"`
		ProcessLoad float64 `json:"processLoad"`
	} `json:"cpu"`
}
