package session

type sessionMessage struct {
	SessionUUID string `json:"session_uuid"`
}

type countMessage struct {
	Count int `json:"count"`
}

type farewellMessage struct {
	Bye   bool `json:"bye"`
	Total int  `json:"total"`
}
