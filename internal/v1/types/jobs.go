package types

// PingJob is the payload of a queued persistence job, one accepted ping.
type PingJob struct {
	SessionID SessionIDType `json:"sessionId"`
	UserID    UserIDType    `json:"userId"`
	Lat       float64       `json:"lat"`
	Lon       float64       `json:"lon"`
	Altitude  float64       `json:"altitude"`
	Speed     float64       `json:"speed"`
	Accuracy  float64       `json:"accuracy"`
	Heading   *float64      `json:"heading,omitempty"`
	Timestamp int64         `json:"timestamp"` // epoch millis
}

// AfterSendJob is the payload of the post-send job; the hook point for push
// notifications and analytics.
type AfterSendJob struct {
	MessageID MessageIDType `json:"messageId"`
	RoomID    RoomIDType    `json:"roomId"`
	SenderID  UserIDType    `json:"senderId"`
	SentAt    int64         `json:"sentAt"`
}
