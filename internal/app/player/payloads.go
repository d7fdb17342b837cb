package player

// Op codes for per-guild player commands on the node's control channel.
const (
	opPlay    = "play"
	opStop    = "stop"
	opPause   = "pause"
	opSeek    = "seek"
	opVolume  = "volume"
	opDestroy = "destroy"
)

type playPayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Track   string `json:"track"`
}

type guildPayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

type pausePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Pause   bool   `json:"pause"`
}

type seekPayload struct {
	Op       string `json:"op"`
	GuildID  string `json:"guildId"`
	Position int64  `json:"position"`
}

type volumePayload struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
	Volume  int    `json:"volume"`
}
