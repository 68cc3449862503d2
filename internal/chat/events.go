package chat

import (
	"encoding/json"

	"kschat/backend/internal/broker"
)

// 客户端到服务端的事件名
const (
	EventSend   = "Send"
	EventLogout = "Logout"
)

// 服务端到客户端的事件名
const (
	EventRespSend     = "RESPSEND"
	EventRespReceiver = "RESPRECEIVER"
	EventRespLogout   = "RESPLOGOUT"
)

// 应答码
//
// RC=1 表示请求进入了受理路径；ER 区分结果。
const (
	CodeAccepted = 1

	ErrNone              = 0 // 成功
	ErrBrokerUnavailable = 2 // 当前没有可用的代理通道
	ErrRateLimited       = 3 // 发送频率超限
)

// Frame 客户端发来的事件帧
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerFrame 服务端下发的事件帧
type ServerFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// SendRequest Send 事件负载
type SendRequest struct {
	UID string `json:"uId"` // 发送方标识
	PID string `json:"pId"` // 接收方标识
	Msg string `json:"msg"` // 消息体
	Rno int64  `json:"rno"` // 客户端随机数，原样回传用于对账
}

// LogoutRequest Logout 事件负载
type LogoutRequest struct {
	UID string `json:"uId"`
}

// SendResponse RESPSEND 负载，发送结果应答
type SendResponse struct {
	RC       int    `json:"RC"`
	ER       int    `json:"ER"`
	SID      string `json:"SID,omitempty"`
	RID      string `json:"RID,omitempty"`
	MSG      string `json:"MSG,omitempty"`
	RANDOMNO int64  `json:"RANDOMNO,omitempty"`
	MSGTIME  int64  `json:"MSGTIME,omitempty"`
	STATUS   int    `json:"STATUS,omitempty"`
}

// ReceiveResponse RESPRECEIVER 负载
//
// 每条送达的消息作为单元素批次下发；流结束信号下发空负载。
type ReceiveResponse struct {
	RC  int               `json:"RC"`
	ER  int               `json:"ER"`
	MSG []broker.Envelope `json:"MSG,omitempty"`
}

// LogoutResponse RESPLOGOUT 负载
type LogoutResponse struct {
	RC int `json:"RC"`
	ER int `json:"ER"`
}
