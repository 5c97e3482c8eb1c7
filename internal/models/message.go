package models

import "encoding/json"

// RequestType is the type of a client request
type RequestType string

const (
	RequestCreateRoom        RequestType = "createRoom"
	RequestJoinRoom          RequestType = "joinRoom"
	RequestLeaveRoom         RequestType = "leaveRoom"
	RequestCallUser          RequestType = "callUser"
	RequestAcceptCall        RequestType = "acceptCall"
	RequestRejectCall        RequestType = "rejectCall"
	RequestCancelCall        RequestType = "cancelCall"
	RequestAcceptInvite      RequestType = "acceptInvite"
	RequestRejectInvite      RequestType = "rejectInvite"
	RequestEndCall           RequestType = "endCall"
	RequestSendMessage       RequestType = "sendMessage"
	RequestReactToMessage    RequestType = "reactToMessage"
	RequestMediaStateChanged RequestType = "mediaStateChanged"
	RequestGetRooms          RequestType = "getRooms"
	RequestGetOnlineUsers    RequestType = "getOnlineUsers"

	RequestGetRouterRtpCapabilities RequestType = "getRouterRtpCapabilities"
	RequestCreateTransport          RequestType = "createTransport"
	RequestConnectTransport         RequestType = "connectTransport"
	RequestProduce                  RequestType = "produce"
	RequestConsume                  RequestType = "consume"
	RequestResumeConsumer           RequestType = "resumeConsumer"
	RequestCloseProducer            RequestType = "closeProducer"
)

// EventType is the type of a push notification
type EventType string

const (
	EventIncomingCall      EventType = "incomingCall"
	EventCallAccepted      EventType = "callAccepted"
	EventCallRejected      EventType = "callRejected"
	EventCallCancelled     EventType = "callCancelled"
	EventCallTimedOut      EventType = "callTimedOut"
	EventCallEnded         EventType = "callEnded"
	EventRoomInvite        EventType = "roomInvite"
	EventUserJoined        EventType = "userJoined"
	EventUserLeft          EventType = "userLeft"
	EventNewStream         EventType = "newStream"
	EventStreamClosed      EventType = "streamClosed"
	EventRoomListUpdated   EventType = "roomListUpdated"
	EventPresenceUpdated   EventType = "presenceUpdated"
	EventRoomHostless      EventType = "roomHostless"
	EventNewMessage        EventType = "newMessage"
	EventMessageReaction   EventType = "messageReaction"
	EventMediaStateUpdated EventType = "participantMediaStateUpdated"
	EventSessionReplaced   EventType = "sessionReplaced"
)

// ResponseType tags every response frame
const ResponseType = "response"

// Request is a client frame
type Request struct {
	ID   string          `json:"id"`
	Type RequestType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload describes a failed request
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Response answers exactly one Request
type Response struct {
	ID    string        `json:"id"`
	Type  string        `json:"type"`
	OK    bool          `json:"ok"`
	Data  any           `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// Event is a push notification
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Request payloads

type CreateRoomRequest struct {
	Kind       RoomKind `json:"kind" validate:"required,oneof=direct group"`
	Name       string   `json:"name" validate:"max=100"`
	InvitedIDs []string `json:"invitedIds" validate:"max=50,dive,required,max=64"`
}

type RoomRequest struct {
	RoomID string `json:"roomId" validate:"required,max=64"`
}

type CallUserRequest struct {
	CallID       string `json:"callId" validate:"required,max=64"`
	TargetUserID string `json:"targetUserId" validate:"required,max=64"`
}

type CallRequest struct {
	CallID string `json:"callId" validate:"required,max=64"`
	Reason string `json:"reason" validate:"max=200"`
}

type SendMessageRequest struct {
	RoomID  string    `json:"roomId" validate:"required,max=64"`
	Content string    `json:"content" validate:"required,min=1,max=4000"`
	ReplyTo *ReplyRef `json:"replyTo" validate:"omitempty"`
}

type ReactRequest struct {
	RoomID    string `json:"roomId" validate:"required,max=64"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type MediaStateRequest struct {
	RoomID         string `json:"roomId" validate:"required,max=64"`
	IsMuted        bool   `json:"isMuted"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}

type CreateTransportRequest struct {
	RoomID    string `json:"roomId" validate:"required,max=64"`
	Direction string `json:"direction" validate:"required,oneof=send receive"`
}

type ConnectTransportRequest struct {
	RoomID         string          `json:"roomId" validate:"required,max=64"`
	TransportID    string          `json:"transportId" validate:"required,max=64"`
	DTLSParameters json.RawMessage `json:"dtlsParameters" validate:"required"`
}

type ProduceRequest struct {
	RoomID        string          `json:"roomId" validate:"required,max=64"`
	TransportID   string          `json:"transportId" validate:"required,max=64"`
	Kind          MediaKind       `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters json.RawMessage `json:"rtpParameters" validate:"required"`
	AppData       AppData         `json:"appData"`
}

type ConsumeRequest struct {
	RoomID          string          `json:"roomId" validate:"required,max=64"`
	ProducerID      string          `json:"producerId" validate:"required,max=64"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities" validate:"required"`
}

type ResumeConsumerRequest struct {
	RoomID     string `json:"roomId" validate:"required,max=64"`
	ConsumerID string `json:"consumerId" validate:"required,max=64"`
}

type CloseProducerRequest struct {
	ProducerID string    `json:"producerId" validate:"required,max=64"`
	RoomID     string    `json:"roomId" validate:"max=64"`
	Kind       MediaKind `json:"kind" validate:"omitempty,oneof=audio video"`
}

// Event payloads

type IncomingCallEvent struct {
	CallID     string `json:"callId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
}

type CallAcceptedEvent struct {
	CallID string    `json:"callId,omitempty"`
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId,omitempty"`
	Room   *RoomView `json:"room,omitempty"`
}

type CallRejectedEvent struct {
	CallID string `json:"callId,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type CallCancelledEvent struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallTimedOutEvent struct {
	CallID string `json:"callId"`
}

type CallEndedEvent struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type RoomInviteEvent struct {
	RoomID   string   `json:"roomId"`
	Kind     RoomKind `json:"kind"`
	Name     string   `json:"name"`
	HostID   string   `json:"hostId"`
	HostName string   `json:"hostName"`
}

type UserJoinedEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type UserLeftEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type NewStreamEvent struct {
	RoomID     string    `json:"roomId"`
	ProducerID string    `json:"producerId"`
	UserID     string    `json:"userId"`
	Kind       MediaKind `json:"kind"`
	AppData    AppData   `json:"appData"`
}

type StreamClosedEvent struct {
	RoomID     string    `json:"roomId"`
	ProducerID string    `json:"producerId"`
	UserID     string    `json:"userId,omitempty"`
	Kind       MediaKind `json:"kind,omitempty"`
}

type RoomListEvent struct {
	Rooms []RoomView `json:"rooms"`
}

type PresenceEvent struct {
	Users []User `json:"users"`
}

type RoomHostlessEvent struct {
	RoomID string `json:"roomId"`
}

type NewMessageEvent struct {
	RoomID  string      `json:"roomId"`
	Message ChatMessage `json:"message"`
}

type MessageReactionEvent struct {
	RoomID    string     `json:"roomId"`
	MessageID string     `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type MediaStateEvent struct {
	RoomID         string `json:"roomId"`
	UserID         string `json:"userId"`
	IsMuted        bool   `json:"isMuted"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
}
