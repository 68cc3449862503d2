package fanout

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kschat/backend/internal/auth"
	"kschat/backend/internal/registry"
)

// recordingChannel 记录投递事件的假通道
type recordingChannel struct {
	events []string
	data   []any
}

func (r *recordingChannel) Emit(event string, data any) {
	r.events = append(r.events, event)
	r.data = append(r.data, data)
}

func (r *recordingChannel) Close() error { return nil }

func TestAdapter_EmitLocalDelivery(t *testing.T) {
	// 目标连接在本进程时直接投递，不经过 Redis
	reg := registry.New()
	ch := &recordingChannel{}
	reg.Register(auth.Identity("u1"), "conn-1", ch)

	a := &Adapter{registry: reg, log: zap.NewNop()}

	err := a.Emit(context.Background(), auth.Identity("u1"), "RESPRECEIVER", map[string]any{"RC": 1})
	require.NoError(t, err)

	require.Len(t, ch.events, 1)
	assert.Equal(t, "RESPRECEIVER", ch.events[0])
}

func TestPayload_RoundTrip(t *testing.T) {
	raw, err := json.Marshal(map[string]int{"RC": 1, "ER": 0})
	require.NoError(t, err)

	body, err := json.Marshal(payload{Identity: "u2", Event: "RESPRECEIVER", Data: raw})
	require.NoError(t, err)

	var decoded payload
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "u2", decoded.Identity)
	assert.Equal(t, "RESPRECEIVER", decoded.Event)
	assert.JSONEq(t, string(raw), string(decoded.Data))
}
