package broker

import (
	"encoding/json"
	"fmt"
)

// StatusSent 消息状态：已发送
//
// 本核心不跟踪更丰富的状态机，发送方构造信封时状态恒为已发送。
const StatusSent = 1

// Envelope 经由代理传输的消息信封
//
// 构造后不可变，发布前序列化为 JSON 字节，消费侧反序列化。
type Envelope struct {
	UID     string `json:"uId"`     // 发送方标识
	PID     string `json:"pId"`     // 接收方标识
	Msg     string `json:"msg"`     // 消息体
	RStatus int    `json:"rStatus"` // 消息状态，恒为 StatusSent
	MsgTime int64  `json:"msgTime"` // 服务端打点的发送时间（毫秒）
}

// Encode 将信封序列化为传输字节
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope 从传输字节还原信封
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
