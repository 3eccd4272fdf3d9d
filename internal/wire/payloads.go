package wire

// Outbound signal payloads. Field names match what the backend's socket
// handlers read; join/leave identify the room as "channel" while the thread
// signals use "thread_id".

type JoinChannel struct {
	Channel string `json:"channel"`
}

type JoinThread struct {
	ThreadID string `json:"thread_id"`
}

type Typing struct {
	ChannelID string `json:"channel_id"`
}

type JoinUserRoom struct {
	UserID string `json:"user_id"`
}

type Auth struct {
	Token string `json:"token"`
}
